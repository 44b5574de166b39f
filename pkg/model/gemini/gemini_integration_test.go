package gemini_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
	"github.com/nstogner/codeagent/pkg/model/gemini"
)

const testModel = "gemini-2.0-flash"

func setupProvider(t *testing.T) *gemini.Provider {
	t.Helper()
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping: GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	provider, err := gemini.New(ctx, apiKey, testModel, "")
	require.NoError(t, err)
	return provider
}

// TestIntegrationGeminiGenerateBasic verifies a simple text response from the model.
func TestIntegrationGeminiGenerateBasic(t *testing.T) {
	p := setupProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := p.Generate(ctx, []model.Message{
		{Role: domain.RoleUser, Content: domain.TextContent("Reply with exactly: HELLO")},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	require.NotEmpty(t, resp.Message.Content)
	assert.Equal(t, domain.ContentText, resp.Message.Content[0].Kind)
	assert.NotEmpty(t, resp.Message.Content[0].Text)
	assert.Positive(t, resp.Usage.OutputTokens)
	t.Logf("Response: %s", resp.Message.Content[0].Text)
}

// TestIntegrationGeminiGenerateWithPreamble verifies system messages reach the model.
func TestIntegrationGeminiGenerateWithPreamble(t *testing.T) {
	p := setupProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := p.Generate(ctx, []model.Message{
		{Role: domain.RoleSystem, Content: domain.TextContent("You are a helpful assistant named TestBot. Always introduce yourself by name.")},
		{Role: domain.RoleUser, Content: domain.TextContent("What is your name?")},
	}, nil)
	require.NoError(t, err)

	text := resp.Message.Content[0].Text
	assert.Contains(t, strings.ToLower(text), "testbot")
}

// TestIntegrationGeminiGenerateToolCall verifies the model can request a tool call.
func TestIntegrationGeminiGenerateToolCall(t *testing.T) {
	p := setupProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tools := []model.ToolSpec{{
		Name:        "run_shell",
		Description: "Run a shell command in the workspace.",
		Params:      []model.Param{{Name: "command", Type: model.ParamString, Required: true}},
	}}
	resp, err := p.Generate(ctx, []model.Message{
		{Role: domain.RoleSystem, Content: domain.TextContent("Use the run_shell tool whenever asked to inspect files.")},
		{Role: domain.RoleUser, Content: domain.TextContent("List the files in the current directory.")},
	}, tools)
	require.NoError(t, err)

	calls := domain.Message{Content: resp.Message.Content}.ToolCalls()
	require.NotEmpty(t, calls, "expected a tool call")
	assert.Equal(t, "run_shell", calls[0].Name)
}

// TestIntegrationGeminiSummarize verifies summarization and token counting.
func TestIntegrationGeminiSummarize(t *testing.T) {
	p := setupProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text, usage, err := p.Summarize(ctx, "Summarize in one sentence: the user asked to build a web server in Go.", 128)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(text))
	assert.Positive(t, usage.TotalTokens)

	n, err := p.CountTokens(ctx, []model.Message{{Role: domain.RoleUser, Content: domain.TextContent("hello world")}})
	require.NoError(t, err)
	assert.Positive(t, n)
}
