package domain

import (
	"strings"
	"time"
)

// Session is one conversation. Summary holds the cumulative compaction summary
// and is empty until the first compaction.
type Session struct {
	ID              string            `json:"id"`
	Summary         string            `json:"summary,omitempty"`
	LastCompactedAt *time.Time        `json:"last_compacted_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Message is a single ledger entry. IDs increase strictly within a session and
// match creation order.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Content    []Content `json:"content"`
	TokenCount *int      `json:"token_count,omitempty"` // Supplied by the caller, nil when unknown.
	CreatedAt  time.Time `json:"created_at"`
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var parts []string
	for _, c := range m.Content {
		if c.Kind == ContentText && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolCalls returns the tool call parts of the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, c := range m.Content {
		if c.Kind == ContentToolCall && c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	return calls
}

// Content is a tagged union: Kind selects which of the pointer fields is set.
type Content struct {
	Kind ContentKind `json:"kind"`

	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Image      *Image      `json:"image,omitempty"`
	File       *File       `json:"file,omitempty"`

	// ThoughtSignature is an opaque model signature that must be round-tripped.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// TextContent wraps s as a single text part.
func TextContent(s string) []Content {
	return []Content{{Kind: ContentText, Text: s}}
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult represents the outcome of a tool call execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Image is inline or referenced image data.
type Image struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// File is an attached file reference.
type File struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	URI       string `json:"uri,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Run records one externally observable agent step.
type Run struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	StepNo     int        `json:"step_no"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
