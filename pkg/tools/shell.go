package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nstogner/codeagent/pkg/model"
	"github.com/nstogner/codeagent/pkg/sandbox"
)

const (
	ToolNameRunShell = "run_shell"

	// maxOutputChars caps each stream returned to the model.
	maxOutputChars = 16000
)

// RunShellTool runs a command in the shared sandbox.
type RunShellTool struct {
	Exec sandbox.Executor
}

func (t *RunShellTool) Name() string { return ToolNameRunShell }

func (t *RunShellTool) Description() string {
	return "Run a shell command in the sandbox. The working directory is the project workspace, which persists across sandbox restarts; everything else may be lost. Returns the exit code, stdout and stderr."
}

func (t *RunShellTool) Params() []model.Param {
	return []model.Param{
		{Name: "command", Type: model.ParamString, Description: "The shell command to run with sh -c.", Required: true},
		{Name: "timeout_seconds", Type: model.ParamInteger, Description: "Optional timeout in seconds."},
	}
}

// Execute never returns an error for sandbox failures; they are converted into
// a structured failure result so the turn can continue.
func (t *RunShellTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	command, err := stringArg(input, "command")
	if err != nil {
		return "", err
	}
	var timeout time.Duration
	if secs, ok := intArg(input, "timeout_seconds"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	slog.Info("Executing sandbox command", "command", command)
	res, err := t.Exec.Execute(ctx, command, timeout)
	if err != nil {
		slog.Error("Sandbox execution failed", "error", err)
		res = sandbox.FailureResult(err)
	}
	return FormatResult(res), nil
}

// FormatResult renders a command result for the model.
func FormatResult(res *sandbox.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(clip(res.Stdout))
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if res.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(clip(res.Stderr))
		if !strings.HasSuffix(res.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	if res.Stdout == "" && res.Stderr == "" {
		b.WriteString("(no output)\n")
	}
	return b.String()
}

// clip keeps the tail of long output, where errors usually are.
func clip(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= maxOutputChars {
		return s
	}
	runes := []rune(s)
	return fmt.Sprintf("[%d characters omitted]\n", n-maxOutputChars) + string(runes[n-maxOutputChars:])
}

// NewDefaultRegistry registers the fixed tool set: run_shell, read_file and write_file.
func NewDefaultRegistry(exec sandbox.Executor, ws Workspace) *Registry {
	r := NewRegistry()
	r.Register(&RunShellTool{Exec: exec})
	r.Register(&ReadFileTool{Workspace: ws})
	r.Register(&WriteFileTool{Workspace: ws})
	return r
}
