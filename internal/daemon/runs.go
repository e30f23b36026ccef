package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/agent"
	"github.com/harun/agentcore/pkg/commandqueue"
)

// RunRequest is a run as submitted by a client. Unset fields take the
// runtime defaults from configuration.
type RunRequest struct {
	RunID        string `json:"run_id,omitempty"`
	ThreadID     string `json:"thread_id"`
	Model        string `json:"model,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Structured   *bool  `json:"structured_calling,omitempty"`
	EmbeddedTag  *bool  `json:"embedded_tag_calling,omitempty"`
	TurnBudget   int    `json:"turn_budget,omitempty"`
	// PerCallTimeout is a Go duration string such as "90s".
	PerCallTimeout string   `json:"per_call_timeout,omitempty"`
	ProjectID      string   `json:"project_id,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// RunConfig resolves req against the runtime defaults and validates it.
// The returned config always carries a run id.
func (d *Daemon) RunConfig(req RunRequest) (agent.RunConfig, error) {
	rt := d.config.Runtime
	rc := agent.RunConfig{
		RunID:                     req.RunID,
		ThreadID:                  req.ThreadID,
		Model:                     req.Model,
		Prompt:                    req.Prompt,
		SystemPrompt:              req.SystemPrompt,
		StructuredCallingEnabled:  rt.StructuredCalling,
		EmbeddedTagCallingEnabled: rt.EmbeddedTagCalling,
		TurnBudget:                req.TurnBudget,
		PerCallTimeout:            rt.PerCallTimeout,
		ProjectID:                 req.ProjectID,
		MaxTokens:                 req.MaxTokens,
		Temperature:               req.Temperature,
	}
	if rc.Model == "" {
		rc.Model = d.config.Models.Default
	}
	if rc.SystemPrompt == "" {
		rc.SystemPrompt = rt.SystemPrompt
	}
	if req.Structured != nil {
		rc.StructuredCallingEnabled = *req.Structured
	}
	if req.EmbeddedTag != nil {
		rc.EmbeddedTagCallingEnabled = *req.EmbeddedTag
	}
	if rc.TurnBudget == 0 {
		rc.TurnBudget = rt.TurnBudget
	}
	if req.PerCallTimeout != "" {
		timeout, err := time.ParseDuration(req.PerCallTimeout)
		if err != nil {
			return agent.RunConfig{}, fmt.Errorf("%w: per call timeout: %v", agent.ErrUserInput, err)
		}
		rc.PerCallTimeout = timeout
	}
	if rc.RunID == "" {
		rc.RunID = tracing.NewRunID()
	}
	if err := rc.Validate(); err != nil {
		return agent.RunConfig{}, err
	}
	return rc, nil
}

func (d *Daemon) task(rc agent.RunConfig) commandqueue.Task {
	return func(ctx context.Context) (any, error) {
		return d.threads.Run(ctx, rc)
	}
}

// Execute runs rc on its thread lane and waits for the outcome. Runs of one
// thread never overlap; a redelivered run id joins or replays the first.
func (d *Daemon) Execute(ctx context.Context, rc agent.RunConfig) (*agent.RunResult, error) {
	value, err := d.queue.Enqueue(ctx, commandqueue.ThreadLane(rc.ThreadID), d.task(rc), &commandqueue.TaskOptions{RequestID: rc.RunID})
	res, _ := value.(*agent.RunResult)
	return res, err
}

// Submit queues rc without waiting. The run lives for the daemon's
// lifetime, not the caller's.
func (d *Daemon) Submit(rc agent.RunConfig) {
	logger := d.log.With().Str("run_id", rc.RunID).Str("thread_id", rc.ThreadID).Logger()
	d.queue.Submit(d.ctx, commandqueue.ThreadLane(rc.ThreadID), d.task(rc), &commandqueue.TaskOptions{
		RequestID: rc.RunID,
		WarnAfter: time.Minute,
	}, func(value any, err error) {
		if err != nil {
			logger.Warn().Err(err).Str("kind", string(agent.KindOf(err))).Msg("Queued run failed")
			return
		}
		if res, ok := value.(*agent.RunResult); ok {
			logger.Info().Str("status", string(res.Status)).Int("turns", res.Turns).Msg("Queued run finished")
		}
	})
}
