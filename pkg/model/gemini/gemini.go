package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/model"
)

// Provider implements the model interfaces using the Google Gen AI SDK.
type Provider struct {
	client       *genai.Client
	modelName    string
	summaryModel string
}

// Verify interface compliance.
var (
	_ model.Generator    = (*Provider)(nil)
	_ model.Summarizer   = (*Provider)(nil)
	_ model.TokenCounter = (*Provider)(nil)
)

// New creates a new Gemini provider. summaryModel defaults to modelName when empty.
func New(ctx context.Context, apiKey, modelName, summaryModel string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: &tracingTransport{base: http.DefaultTransport}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if summaryModel == "" {
		summaryModel = modelName
	}
	return &Provider{client: client, modelName: modelName, summaryModel: summaryModel}, nil
}

// Generate sends the conversation and collects the streamed response.
func (p *Provider) Generate(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (*model.Response, error) {
	slog.Debug("Gemini.Generate", "model", p.modelName, "messageCount", len(messages))

	system, contents := toContents(messages)
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             toolDeclarations(tools),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fullText      strings.Builder
		textSignature []byte
		toolCalls     []domain.Content
		usage         model.Usage
	)
	for resp, err := range p.client.Models.GenerateContentStream(streamCtx, p.modelName, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("generating content: %w", err)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = usageFrom(resp.UsageMetadata)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					if len(part.ThoughtSignature) > 0 {
						textSignature = part.ThoughtSignature
					}
					fullText.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					toolCalls = append(toolCalls, fromFunctionCall(part))
				}
			}
		}
	}

	var content []domain.Content
	if fullText.Len() > 0 {
		content = append(content, domain.Content{
			Kind:             domain.ContentText,
			Text:             fullText.String(),
			ThoughtSignature: textSignature,
		})
	}
	content = append(content, toolCalls...)

	return &model.Response{
		Message: model.Message{Role: domain.RoleAssistant, Content: content},
		Usage:   usage,
	}, nil
}

// Summarize runs a single non-streaming generation with the summary model.
func (p *Provider) Summarize(ctx context.Context, prompt string, maxOutputTokens int) (string, model.Usage, error) {
	slog.Debug("Gemini.Summarize", "model", p.summaryModel, "promptChars", len(prompt))

	config := &genai.GenerateContentConfig{}
	if maxOutputTokens > 0 {
		config.MaxOutputTokens = int32(maxOutputTokens)
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.summaryModel, genai.Text(prompt), config)
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("generating summary: %w", err)
	}

	var usage model.Usage
	if resp.UsageMetadata != nil {
		usage = usageFrom(resp.UsageMetadata)
	}
	return resp.Text(), usage, nil
}

// CountTokens measures the input size of messages for the turn model.
func (p *Provider) CountTokens(ctx context.Context, messages []model.Message) (int, error) {
	_, contents := toContents(messages)
	if len(contents) == 0 {
		return 0, nil
	}
	resp, err := p.client.Models.CountTokens(ctx, p.modelName, contents, nil)
	if err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}

func usageFrom(u *genai.GenerateContentResponseUsageMetadata) model.Usage {
	return model.Usage{
		InputTokens:  int(u.PromptTokenCount),
		OutputTokens: int(u.CandidatesTokenCount),
		TotalTokens:  int(u.TotalTokenCount),
	}
}

func fromFunctionCall(part *genai.Part) domain.Content {
	fc := part.FunctionCall
	id := fc.ID
	if id == "" {
		id = "call-" + uuid.New().String()
	}
	return domain.Content{
		Kind: domain.ContentToolCall,
		ToolCall: &domain.ToolCall{
			ID:    id,
			Name:  fc.Name,
			Input: fc.Args,
		},
		ThoughtSignature: part.ThoughtSignature,
	}
}

// toContents converts the model context into Gemini contents. System messages
// are merged, in order, into the system instruction.
func toContents(messages []model.Message) (*genai.Content, []*genai.Content) {
	var (
		system   *genai.Content
		contents []*genai.Content
	)
	toolNames := make(map[string]string) // tool call ID -> name

	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			var text []string
			for _, c := range msg.Content {
				if c.Kind == domain.ContentText && c.Text != "" {
					text = append(text, c.Text)
				}
			}
			if len(text) == 0 {
				continue
			}
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: strings.Join(text, "\n")})
			continue
		}

		var parts []*genai.Part
		for _, c := range msg.Content {
			if part := toPart(c, toolNames); part != nil {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return system, contents
}

func toPart(c domain.Content, toolNames map[string]string) *genai.Part {
	switch c.Kind {
	case domain.ContentText:
		if c.Text == "" {
			return nil
		}
		return &genai.Part{Text: c.Text, ThoughtSignature: c.ThoughtSignature}

	case domain.ContentToolCall:
		if c.ToolCall == nil {
			return nil
		}
		toolNames[c.ToolCall.ID] = c.ToolCall.Name
		return &genai.Part{
			FunctionCall: &genai.FunctionCall{
				ID:   c.ToolCall.ID,
				Name: c.ToolCall.Name,
				Args: c.ToolCall.Input,
			},
			ThoughtSignature: c.ThoughtSignature,
		}

	case domain.ContentToolResult:
		r := c.ToolResult
		if r == nil {
			return nil
		}
		name, ok := toolNames[r.ToolCallID]
		if !ok {
			// The matching call was compacted away; a bare function response
			// would be rejected, so carry the output as text.
			label := r.Name
			if label == "" {
				label = r.ToolCallID
			}
			return &genai.Part{Text: fmt.Sprintf("[earlier %s output]\n%s", label, r.Content)}
		}
		key := "result"
		if r.IsError {
			key = "error"
		}
		return &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       r.ToolCallID,
				Name:     name,
				Response: map[string]any{key: r.Content},
			},
		}

	case domain.ContentImage:
		img := c.Image
		if img == nil {
			return nil
		}
		if len(img.Data) > 0 {
			return &genai.Part{InlineData: &genai.Blob{MIMEType: img.MediaType, Data: img.Data}}
		}
		if img.URL != "" {
			return &genai.Part{FileData: &genai.FileData{MIMEType: img.MediaType, FileURI: img.URL}}
		}

	case domain.ContentFile:
		f := c.File
		if f == nil {
			return nil
		}
		if len(f.Data) > 0 {
			return &genai.Part{InlineData: &genai.Blob{MIMEType: f.MediaType, Data: f.Data}}
		}
		if f.URI != "" {
			return &genai.Part{FileData: &genai.FileData{MIMEType: f.MediaType, FileURI: f.URI}}
		}
		return &genai.Part{Text: fmt.Sprintf("[file: %s]", f.Name)}
	}
	return nil
}

func toolDeclarations(specs []model.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(spec.Params)),
		}
		for _, p := range spec.Params {
			typ := genai.TypeString
			if p.Type == model.ParamInteger {
				typ = genai.TypeInteger
			}
			schema.Properties[p.Name] = &genai.Schema{Type: typ, Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
