package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider for Google Gemini.
type GeminiProvider struct {
	name   string
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "gemini"
	}
	return &GeminiProvider{name: name, client: client}, nil
}

func (p *GeminiProvider) Name() string { return p.name }

// Complete makes a GenerateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(req)),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: geminiMode(req.ToolChoice)},
		}
	}

	out, err := p.client.Models.GenerateContent(ctx, req.Model, geminiContents(req.Messages), config)
	if err != nil {
		return nil, p.wrapError(req.Model, err)
	}
	if len(out.Candidates) == 0 || out.Candidates[0].Content == nil {
		reason := "no candidates returned"
		if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked by safety: " + string(out.PromptFeedback.BlockReason)
		}
		return nil, NewProviderError(p.name, req.Model, 0, errors.New(reason))
	}

	candidate := out.Candidates[0]
	var blocks []Block
	for i, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("%s_%d", part.FunctionCall.Name, i)
			}
			blocks = append(blocks, Block{Type: BlockToolCall, Call: &ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			}})
		case part.Text != "" && !part.Thought:
			blocks = append(blocks, Block{Type: BlockText, Text: part.Text})
		}
	}
	resp := NewResponse(blocks)
	resp.Model = out.ModelVersion
	resp.StopReason = string(candidate.FinishReason)
	if out.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int64(out.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(out.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

func (p *GeminiProvider) wrapError(model string, err error) error {
	status := 0
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if status == 0 && errors.As(err, &apiErrPtr) {
		status = apiErrPtr.Code
	}
	return NewProviderError(p.name, model, status, err)
}

func geminiContents(msgs []Message) []*genai.Content {
	// Function responses are matched by name.
	names := make(map[string]string)
	out := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		content := &genai.Content{}
		switch msg.Role {
		case RoleUser:
			content.Role = genai.RoleUser
			for _, tr := range msg.ToolResults {
				name := tr.Name
				if name == "" {
					name = names[tr.CallID]
				}
				key := "output"
				if tr.IsError {
					key = "error"
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       tr.CallID,
					Name:     name,
					Response: map[string]any{key: tr.Content},
				}})
			}
		case RoleAssistant:
			content.Role = genai.RoleModel
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Name
			}
		default:
			continue
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Arguments,
			}})
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func geminiMode(choice ToolChoice) genai.FunctionCallingConfigMode {
	switch choice {
	case ToolChoiceNone:
		return genai.FunctionCallingConfigModeNone
	case ToolChoiceRequired:
		return genai.FunctionCallingConfigModeAny
	default:
		return genai.FunctionCallingConfigModeAuto
	}
}
