package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI and OpenAI-compatible
// endpoints selected with BaseURL.
type OpenAIProvider struct {
	name   string
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{name: name, client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete makes a chat completions call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	messages, err := openaiMessages(req.System, req.Messages)
	if err != nil {
		return nil, NewProviderError(p.name, req.Model, 0, err)
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(openaiToolChoice(req.ToolChoice)),
		}
	}

	var opts []option.RequestOption
	for k, v := range passthroughParams(req) {
		opts = append(opts, option.WithJSONSet(k, v))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.wrapError(req.Model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, NewProviderError(p.name, req.Model, 0, errors.New("no response choices returned: server error"))
	}

	choice := completion.Choices[0]
	var blocks []Block
	if choice.Message.Content != "" {
		blocks = append(blocks, Block{Type: BlockText, Text: choice.Message.Content})
	}
	// Chat completions report tool calls after the message text.
	for _, tc := range choice.Message.ToolCalls {
		call := &ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.DecodeErr = fmt.Errorf("tool arguments are not a JSON object: %w", err)
		}
		blocks = append(blocks, Block{Type: BlockToolCall, Call: call})
	}
	resp := NewResponse(blocks)
	resp.Model = completion.Model
	resp.StopReason = choice.FinishReason
	resp.Usage = Usage{InputTokens: completion.Usage.PromptTokens, OutputTokens: completion.Usage.CompletionTokens}
	return resp, nil
}

func (p *OpenAIProvider) wrapError(model string, err error) error {
	var apiErr *openai.Error
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return NewProviderError(p.name, model, status, err)
}

func openaiMessages(system string, msgs []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if tr.IsError {
					content = "Error: " + content
				}
				out = append(out, openai.ToolMessage(content, tr.CallID))
			}
			if msg.Content != "" {
				out = append(out, openai.UserMessage(msg.Content))
			}
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out, nil
}

func openaiToolChoice(choice ToolChoice) string {
	switch choice {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	default:
		return "auto"
	}
}
