package agent

import (
	"fmt"
	"time"

	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolcall"
)

const (
	DefaultTurnBudget     = 10
	DefaultPerCallTimeout = 2 * time.Minute
)

// RunConfig describes one run of a thread.
type RunConfig struct {
	// RunID deduplicates deliveries. A fresh id is generated when empty.
	RunID    string `json:"run_id,omitempty"`
	ThreadID string `json:"thread_id"`
	// Model is the logical model id resolved by the gateway.
	Model string `json:"model"`
	// Prompt, when set, is appended as a user message before the first turn.
	Prompt       string `json:"prompt,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	StructuredCallingEnabled  bool `json:"structured_calling_enabled"`
	EmbeddedTagCallingEnabled bool `json:"embedded_tag_calling_enabled"`

	TurnBudget     int           `json:"turn_budget,omitempty"`
	PerCallTimeout time.Duration `json:"per_call_timeout,omitempty"`
	// ProjectID selects the sandbox session. Defaults to ThreadID.
	ProjectID string `json:"project_id,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Conventions returns the enabled tool calling conventions. It is computed
// once per run and drives every decision about exposing tools.
func (c RunConfig) Conventions() toolcall.Conventions {
	return toolcall.NewConventions(c.StructuredCallingEnabled, c.EmbeddedTagCallingEnabled)
}

// Validate checks the config without side effects. Errors wrap ErrUserInput.
func (c RunConfig) Validate() error {
	if err := session.ValidateKey(c.ThreadID); err != nil {
		return fmt.Errorf("%w: thread id: %v", ErrUserInput, err)
	}
	if c.RunID != "" {
		if err := session.ValidateKey(c.RunID); err != nil {
			return fmt.Errorf("%w: run id: %v", ErrUserInput, err)
		}
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrUserInput)
	}
	if c.TurnBudget < 0 {
		return fmt.Errorf("%w: turn budget cannot be negative", ErrUserInput)
	}
	if c.PerCallTimeout < 0 {
		return fmt.Errorf("%w: per call timeout cannot be negative", ErrUserInput)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens cannot be negative", ErrUserInput)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrUserInput)
	}
	return nil
}

func (c RunConfig) withDefaults(newID func() string) RunConfig {
	if c.RunID == "" {
		c.RunID = newID()
	}
	if c.TurnBudget == 0 {
		c.TurnBudget = DefaultTurnBudget
	}
	if c.PerCallTimeout == 0 {
		c.PerCallTimeout = DefaultPerCallTimeout
	}
	if c.ProjectID == "" {
		c.ProjectID = c.ThreadID
	}
	return c
}

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusRunning RunStatus = "running"
)

// RunResult is what a run returns to its caller.
type RunResult struct {
	RunID        string           `json:"run_id"`
	ThreadID     string           `json:"thread_id"`
	Status       RunStatus        `json:"status"`
	FinalMessage *session.Message `json:"final_message,omitempty"`
	Turns        int              `json:"turns"`
	Usage        llm.Usage        `json:"usage"`
	CostUSD      float64          `json:"cost_usd"`
	// ServedBy is the chain entry that served the last LLM call.
	ServedBy llm.ChainEntry `json:"served_by"`
	// Duplicate is set when the run id was already claimed and this call
	// only reports the recorded outcome.
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}
