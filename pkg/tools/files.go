package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nstogner/codeagent/pkg/model"
)

const (
	ToolNameReadFile  = "read_file"
	ToolNameWriteFile = "write_file"

	maxReadBytes = 256 * 1024
)

// Workspace confines file access to the host directory that is bind-mounted
// into the sandbox. Paths may be relative, absolute inside the sandbox
// working directory, or absolute inside Root.
type Workspace struct {
	Root    string // Host directory.
	WorkDir string // Mount point inside the sandbox.
}

// Resolve maps p to a host path inside Root or returns an error.
func (w Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}

	var abs string
	switch {
	case w.inWorkDir(p):
		rel := strings.TrimPrefix(path.Clean(p), path.Clean(w.WorkDir))
		abs = filepath.Join(root, filepath.FromSlash(rel))
	case filepath.IsAbs(p):
		abs = filepath.Clean(p)
	default:
		abs = filepath.Join(root, p)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return abs, nil
}

func (w Workspace) inWorkDir(p string) bool {
	if w.WorkDir == "" || !path.IsAbs(p) {
		return false
	}
	wd, cp := path.Clean(w.WorkDir), path.Clean(p)
	return cp == wd || strings.HasPrefix(cp, wd+"/")
}

// --- Read File Tool ---

type ReadFileTool struct {
	Workspace Workspace
}

func (t *ReadFileTool) Name() string { return ToolNameReadFile }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace. Arguments: path (string)."
}

func (t *ReadFileTool) Params() []model.Param {
	return []model.Param{
		{Name: "path", Type: model.ParamString, Description: "The file path to read, relative to the workspace.", Required: true},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	p, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	full, err := t.Workspace.Resolve(p)
	if err != nil {
		return "", err
	}

	slog.Info("Reading file", "path", full)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + fmt.Sprintf("\n[file truncated, %d bytes total]", len(data)), nil
	}
	return string(data), nil
}

// --- Write File Tool ---

type WriteFileTool struct {
	Workspace Workspace
}

func (t *WriteFileTool) Name() string { return ToolNameWriteFile }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories. Arguments: path (string), content (string)."
}

func (t *WriteFileTool) Params() []model.Param {
	return []model.Param{
		{Name: "path", Type: model.ParamString, Description: "The file path to write to, relative to the workspace.", Required: true},
		{Name: "content", Type: model.ParamString, Description: "The content to write.", Required: true},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	p, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(input, "content")
	if err != nil {
		return "", err
	}
	full, err := t.Workspace.Resolve(p)
	if err != nil {
		return "", err
	}

	slog.Info("Writing file", "path", full, "size", len(content))

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
}
