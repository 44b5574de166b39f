package model

import (
	"context"

	"github.com/nstogner/codeagent/pkg/domain"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, system).
	Role domain.Role
	// Content holds the message parts.
	Content []domain.Content
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// Response is a complete turn produced by a Generator.
type Response struct {
	Message Message
	Usage   Usage
}

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
)

// Param describes a single tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
}

// Summarizer is an opaque text-generation capability used for compaction.
type Summarizer interface {
	// Summarize generates at most maxOutputTokens of text for prompt.
	Summarize(ctx context.Context, prompt string, maxOutputTokens int) (string, Usage, error)
}

// Generator produces the next assistant turn from a built context.
type Generator interface {
	// Generate sends the conversation to the model and blocks until the full
	// response (text and/or tool calls) is available.
	Generate(ctx context.Context, messages []Message, tools []ToolSpec) (*Response, error)
}

// TokenCounter is optionally implemented by generators that can measure input size.
type TokenCounter interface {
	CountTokens(ctx context.Context, messages []Message) (int, error)
}
