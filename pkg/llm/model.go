package llm

import (
	"fmt"
	"sort"
)

// ChainEntry is one concrete provider/model pair in a fallback chain.
type ChainEntry struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"`
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
}

func (c ChainEntry) String() string {
	return c.Provider + "/" + c.Model
}

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
}

// Cost returns the USD cost of u.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMTok/1e6 + float64(u.OutputTokens)*p.OutputPerMTok/1e6
}

// ModelSpec maps a logical model id to its fallback chain.
type ModelSpec struct {
	ID      string       `json:"id" yaml:"id" mapstructure:"id"`
	Enabled bool         `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Priority orders List output; higher first.
	Priority int            `json:"priority" yaml:"priority" mapstructure:"priority"`
	Chain    []ChainEntry   `json:"chain" yaml:"chain" mapstructure:"chain"`
	Pricing  Pricing        `json:"pricing" yaml:"pricing" mapstructure:"pricing"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
}

// Validate reports structural problems.
func (m ModelSpec) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if len(m.Chain) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyChain, m.ID)
	}
	for i, e := range m.Chain {
		if e.Provider == "" || e.Model == "" {
			return fmt.Errorf("model %s: chain entry %d needs provider and model", m.ID, i)
		}
	}
	return nil
}

func (m ModelSpec) clone() ModelSpec {
	out := m
	out.Chain = append([]ChainEntry(nil), m.Chain...)
	if m.Params != nil {
		out.Params = make(map[string]any, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Catalog is the compiled-in model table consulted when the config store
// has no entry.
type Catalog map[string]ModelSpec

// DefaultCatalog returns the built-in logical models.
func DefaultCatalog() Catalog {
	specs := []ModelSpec{
		{
			ID:       "claude-sonnet",
			Enabled:  true,
			Priority: 100,
			Chain: []ChainEntry{
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
				{Provider: "openai", Model: "gpt-4.1"},
				{Provider: "gemini", Model: "gemini-2.5-pro"},
			},
			Pricing: Pricing{InputPerMTok: 3, OutputPerMTok: 15},
		},
		{
			ID:       "claude-haiku",
			Enabled:  true,
			Priority: 80,
			Chain: []ChainEntry{
				{Provider: "anthropic", Model: "claude-haiku-4-5"},
				{Provider: "openai", Model: "gpt-4.1-mini"},
			},
			Pricing: Pricing{InputPerMTok: 1, OutputPerMTok: 5},
		},
		{
			ID:       "gpt-4.1",
			Enabled:  true,
			Priority: 90,
			Chain: []ChainEntry{
				{Provider: "openai", Model: "gpt-4.1"},
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			},
			Pricing: Pricing{InputPerMTok: 2, OutputPerMTok: 8},
		},
		{
			ID:       "gemini-pro",
			Enabled:  true,
			Priority: 70,
			Chain: []ChainEntry{
				{Provider: "gemini", Model: "gemini-2.5-pro"},
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			},
			Pricing: Pricing{InputPerMTok: 1.25, OutputPerMTok: 10},
		},
		{
			ID:       "gemini-flash",
			Enabled:  true,
			Priority: 60,
			Chain: []ChainEntry{
				{Provider: "gemini", Model: "gemini-2.5-flash"},
				{Provider: "openai", Model: "gpt-4.1-mini"},
			},
			Pricing: Pricing{InputPerMTok: 0.3, OutputPerMTok: 2.5},
		},
	}
	c := make(Catalog, len(specs))
	for _, s := range specs {
		c[s.ID] = s
	}
	return c
}

func sortSpecs(specs []ModelSpec) {
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Priority != specs[j].Priority {
			return specs[i].Priority > specs[j].Priority
		}
		return specs[i].ID < specs[j].ID
	})
}
