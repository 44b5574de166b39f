package compaction

import (
	"fmt"
	"strings"

	"github.com/nstogner/codeagent/pkg/domain"
)

// renderer turns one content part into prompt text. Non-text parts render as
// short placeholders so prompt size does not depend on payload size.
type renderer func(c domain.Content) string

var renderers = map[domain.ContentKind]renderer{
	domain.ContentText:       renderText,
	domain.ContentToolCall:   renderToolCall,
	domain.ContentToolResult: renderToolResult,
	domain.ContentImage:      renderImage,
	domain.ContentFile:       renderFile,
}

func (e *Engine) renderMessage(m domain.Message) string {
	parts := make([]string, 0, len(m.Content))
	for _, c := range m.Content {
		render, ok := renderers[c.Kind]
		if !ok {
			parts = append(parts, fmt.Sprintf("[%s]", c.Kind))
			continue
		}
		if s := render(c); s != "" {
			parts = append(parts, s)
		}
	}
	return truncate(strings.Join(parts, " "), e.cfg.MaxMessageChars, MessageTruncatedMarker)
}

func renderText(c domain.Content) string {
	return c.Text
}

func renderToolCall(c domain.Content) string {
	if c.ToolCall == nil {
		return "[tool call]"
	}
	return fmt.Sprintf("[tool call: %s]", c.ToolCall.Name)
}

func renderToolResult(c domain.Content) string {
	r := c.ToolResult
	if r == nil {
		return "[tool result]"
	}
	status := "ok"
	if r.IsError {
		status = "error"
	}
	if r.Name != "" {
		return fmt.Sprintf("[tool result: %s, %s, %d chars]", r.Name, status, len(r.Content))
	}
	return fmt.Sprintf("[tool result: %s, %d chars]", status, len(r.Content))
}

func renderImage(c domain.Content) string {
	if c.Image == nil || c.Image.MediaType == "" {
		return "[image]"
	}
	return fmt.Sprintf("[image: %s]", c.Image.MediaType)
}

func renderFile(c domain.Content) string {
	if c.File == nil || c.File.Name == "" {
		return "[file]"
	}
	return fmt.Sprintf("[file: %s]", c.File.Name)
}
