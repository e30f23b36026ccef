package llm

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxTokens is used when neither the request nor the model sets a cap.
const DefaultMaxTokens = 4096

// Provider is one concrete chat completion backend.
type Provider interface {
	// Name is the configured provider name chain entries refer to.
	Name() string
	// Complete performs one request. Failures are returned as *ProviderError.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ProviderConfig describes one configured provider.
type ProviderConfig struct {
	// Name is how chain entries address this provider. Defaults to Type.
	Name string `json:"name" mapstructure:"name" yaml:"name"`
	// Type selects the implementation: anthropic, openai or gemini.
	Type    string `json:"type" mapstructure:"type" yaml:"type"`
	APIKey  string `json:"api_key" mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url" yaml:"base_url"`
	// MaxRetries is passed to the SDK client. Zero leaves retries to the
	// fallback chain.
	MaxRetries int           `json:"max_retries,omitempty" mapstructure:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `json:"timeout,omitempty" mapstructure:"timeout" yaml:"timeout"`
}

// NewProvider creates the provider implementation selected by cfg.Type.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required", cfg.Name)
	}
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %q", cfg.Type)
	}
}

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}

// passthroughParams returns request params that have no typed field.
func passthroughParams(req *Request) map[string]any {
	out := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		switch k {
		case "temperature", "max_tokens":
			continue
		}
		out[k] = v
	}
	return out
}
