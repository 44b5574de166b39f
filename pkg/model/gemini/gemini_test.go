package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
)

func TestToContentsMergesSystemMessages(t *testing.T) {
	system, contents := toContents([]model.Message{
		{Role: domain.RoleSystem, Content: domain.TextContent("preamble")},
		{Role: domain.RoleSystem, Content: domain.TextContent("prior context")},
		{Role: domain.RoleUser, Content: domain.TextContent("hello")},
		{Role: domain.RoleAssistant, Content: domain.TextContent("hi")},
	})

	require.NotNil(t, system)
	require.Len(t, system.Parts, 2)
	assert.Equal(t, "preamble", system.Parts[0].Text)
	assert.Equal(t, "prior context", system.Parts[1].Text)

	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
}

func TestToContentsToolRoundTrip(t *testing.T) {
	_, contents := toContents([]model.Message{
		{Role: domain.RoleAssistant, Content: []domain.Content{{
			Kind:     domain.ContentToolCall,
			ToolCall: &domain.ToolCall{ID: "c1", Name: "run_shell", Input: map[string]any{"command": "ls"}},
		}}},
		{Role: domain.RoleUser, Content: []domain.Content{{
			Kind:       domain.ContentToolResult,
			ToolResult: &domain.ToolResult{ToolCallID: "c1", Content: "a.txt"},
		}}},
	})

	require.Len(t, contents, 2)
	call := contents[0].Parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "run_shell", call.Name)

	resp := contents[1].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "run_shell", resp.Name)
	assert.Equal(t, "a.txt", resp.Response["result"])
}

func TestToContentsOrphanedToolResultBecomesText(t *testing.T) {
	_, contents := toContents([]model.Message{
		{Role: domain.RoleUser, Content: []domain.Content{{
			Kind:       domain.ContentToolResult,
			ToolResult: &domain.ToolResult{ToolCallID: "gone", Name: "run_shell", Content: "exit 0"},
		}}},
	})

	require.Len(t, contents, 1)
	part := contents[0].Parts[0]
	assert.Nil(t, part.FunctionResponse)
	assert.Contains(t, part.Text, "run_shell")
	assert.Contains(t, part.Text, "exit 0")
}

func TestToContentsInlineImage(t *testing.T) {
	_, contents := toContents([]model.Message{
		{Role: domain.RoleUser, Content: []domain.Content{{
			Kind:  domain.ContentImage,
			Image: &domain.Image{MediaType: "image/png", Data: []byte{0x89}},
		}}},
	})

	require.Len(t, contents, 1)
	require.NotNil(t, contents[0].Parts[0].InlineData)
	assert.Equal(t, "image/png", contents[0].Parts[0].InlineData.MIMEType)
}

func TestToolDeclarations(t *testing.T) {
	tools := toolDeclarations([]model.ToolSpec{{
		Name:        "run_shell",
		Description: "Run a shell command.",
		Params: []model.Param{
			{Name: "command", Type: model.ParamString, Required: true},
			{Name: "timeout_seconds", Type: model.ParamInteger},
		},
	}})

	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 1)
	decl := tools[0].FunctionDeclarations[0]
	assert.Equal(t, "run_shell", decl.Name)
	assert.Equal(t, []string{"command"}, decl.Parameters.Required)
	assert.Equal(t, genai.TypeInteger, decl.Parameters.Properties["timeout_seconds"].Type)

	assert.Nil(t, toolDeclarations(nil))
}
