package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolcall"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

const emptyResponse = "[empty response]"

// Completer executes a request against a logical model. *llm.Gateway
// implements it.
type Completer interface {
	Complete(ctx context.Context, logicalID string, req *llm.Request) (*llm.Result, error)
}

// ToolRegistry is the tool surface the thread manager needs.
// *toolexecutor.Registry implements it.
type ToolRegistry interface {
	toolcall.Catalog
	Definitions() []toolexecutor.ToolDefinition
	SessionKey(name, projectID string) string
	Dispatch(ctx context.Context, call session.ToolCall, opts toolexecutor.DispatchOptions) (session.ToolResult, error)
}

// Config holds thread manager dependencies.
type Config struct {
	Store   session.Store
	Gateway Completer
	Tools   ToolRegistry
	// Models, when set, is used to reject unknown or disabled models before
	// a run claims its id.
	Models llm.Resolver
	Logger zerolog.Logger
	Audit  *observability.AuditLogger
	Now    func() time.Time
}

// ThreadManager runs the turn loop of a thread.
type ThreadManager struct {
	cfg    Config
	logger zerolog.Logger
	parser *toolcall.Parser

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// NewThreadManager creates a thread manager.
func NewThreadManager(cfg Config) (*ThreadManager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("llm gateway is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().Str("component", "agent").Logger()
	return &ThreadManager{
		cfg:        cfg,
		logger:     logger,
		parser:     toolcall.NewParser(cfg.Tools, cfg.Logger),
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes a run to completion. A failed run returns both its result
// and a *RunError. A duplicate delivery of a known run id performs no side
// effects and reports the recorded outcome with Duplicate set.
func (tm *ThreadManager) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, runErr(KindUserInput, err)
	}
	cfg = cfg.withDefaults(tracing.NewRunID)

	if tm.cfg.Models != nil {
		if _, err := tm.cfg.Models.Resolve(ctx, cfg.Model); err != nil {
			if re := classifyLLM(err); re.Kind == KindUserInput {
				return nil, re
			}
		}
	}

	ctx = tracing.WithProjectID(tracing.NewRunContext(ctx, cfg.RunID, cfg.ThreadID), cfg.ProjectID)
	ctx, span := tracing.StartSpan(ctx, "agentcore.agent", "agent.run",
		attribute.String("run_id", cfg.RunID),
		attribute.String("thread_id", cfg.ThreadID),
		attribute.String("model", cfg.Model),
		attribute.String("conventions", cfg.Conventions().String()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, tm.logger)

	// Store writes must not be cut short by cancellation: a cancelled run
	// still records every result it produced.
	persist := context.WithoutCancel(ctx)

	started := tm.cfg.Now().UTC()
	existing, claimed, err := tm.cfg.Store.ClaimRun(persist, session.RunRecord{
		RunID:     cfg.RunID,
		ThreadID:  cfg.ThreadID,
		Status:    session.RunRunning,
		StartedAt: started,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, runErr(KindStore, fmt.Errorf("claim run: %w", err))
	}
	if !claimed {
		return tm.replay(persist, existing, logger)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tm.runsMu.Lock()
	tm.activeRuns[cfg.RunID] = cancel
	tm.runsMu.Unlock()
	defer func() {
		tm.runsMu.Lock()
		delete(tm.activeRuns, cfg.RunID)
		tm.runsMu.Unlock()
	}()

	observability.RunStarted()
	logger.Info().Str("model", cfg.Model).Str("conventions", cfg.Conventions().String()).Int("turn_budget", cfg.TurnBudget).Msg("Run started")

	m := newMachine()
	res := &RunResult{RunID: cfg.RunID, ThreadID: cfg.ThreadID}
	failure := tm.execute(execCtx, persist, cfg, m, res, logger)
	if err := m.to(StateTerminal); err != nil && failure == nil {
		failure = runErr(KindInternal, err)
	}

	rec := session.RunRecord{
		RunID:      cfg.RunID,
		ThreadID:   cfg.ThreadID,
		Status:     session.RunSucceeded,
		Turns:      res.Turns,
		StartedAt:  started,
		FinishedAt: tm.cfg.Now().UTC(),
	}
	res.Status = StatusOK
	if res.FinalMessage != nil {
		rec.FinalMessageID = res.FinalMessage.ID
	}
	var kind ErrorKind
	if failure != nil {
		kind = failure.Kind
		res.Status = StatusError
		res.Error = failure.Error()
		rec.Status = session.RunFailed
		rec.ErrorKind = string(kind)
		rec.Error = failure.Error()
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	}
	if err := tm.cfg.Store.CompleteRun(persist, rec); err != nil {
		logger.Error().Err(err).Msg("Failed to record run outcome")
	}

	duration := rec.FinishedAt.Sub(started)
	observability.RecordRun(duration, res.Turns, failure == nil, string(kind))
	tm.cfg.Audit.RecordRun(ctx, "run", cfg.ThreadID, failure == nil, map[string]any{
		"run_id":      cfg.RunID,
		"turns":       res.Turns,
		"error_kind":  string(kind),
		"duration_ms": duration.Milliseconds(),
		"served_by":   res.ServedBy.String(),
	})
	span.SetAttributes(attribute.Int("turns", res.Turns), attribute.String("status", string(res.Status)))

	if failure != nil {
		logger.Warn().Err(failure).Str("kind", string(kind)).Int("turns", res.Turns).Dur("duration", duration).Msg("Run failed")
		return res, failure
	}
	logger.Info().Int("turns", res.Turns).Dur("duration", duration).Str("served_by", res.ServedBy.String()).Msg("Run completed")
	return res, nil
}

func (tm *ThreadManager) execute(ctx, persist context.Context, cfg RunConfig, m *machine, res *RunResult, logger zerolog.Logger) *RunError {
	history, err := tm.cfg.Store.Load(persist, cfg.ThreadID)
	if err != nil {
		return runErr(KindStore, fmt.Errorf("load thread: %w", err))
	}

	if repaired := tm.interruptedResults(history); len(repaired) > 0 {
		logger.Warn().Int("calls", len(repaired)).Msg("Answering tool calls left without results by an earlier run")
		if err := tm.cfg.Store.Append(persist, cfg.ThreadID, repaired...); err != nil {
			return runErr(KindStore, fmt.Errorf("append interrupted results: %w", err))
		}
		history = append(history, repaired...)
	}

	if cfg.Prompt != "" {
		prompt := tm.message(session.RoleUser)
		prompt.Content = cfg.Prompt
		if err := tm.cfg.Store.Append(persist, cfg.ThreadID, prompt); err != nil {
			return runErr(KindStore, fmt.Errorf("append prompt: %w", err))
		}
		history = append(history, prompt)
	}
	if len(history) == 0 {
		return runErr(KindUserInput, fmt.Errorf("%w: thread %s has no messages and no prompt was given", ErrUserInput, cfg.ThreadID))
	}

	conv := cfg.Conventions()
	defs := tm.cfg.Tools.Definitions()

	for turn := 1; ; turn++ {
		if turn > cfg.TurnBudget {
			return runErr(KindBudgetExceeded, fmt.Errorf("%w: limit %d", ErrBudgetExceeded, cfg.TurnBudget))
		}
		// Cancellation is honoured only here, between turns.
		if err := ctx.Err(); err != nil {
			return runErr(KindCanceled, err)
		}
		if err := m.to(StateRequesting); err != nil {
			return runErr(KindInternal, err)
		}
		res.Turns = turn

		out, err := tm.complete(ctx, cfg, buildRequest(cfg, conv, defs, history), turn)
		if err != nil {
			return classifyLLM(err)
		}
		res.Usage = res.Usage.Add(out.Usage)
		res.CostUSD += out.CostUSD
		res.ServedBy = out.Served

		parsed := tm.parser.Parse(out.Response, conv)
		assistant := tm.message(session.RoleAssistant)
		assistant.Content = out.Text
		assistant.ToolCalls = parsed.Calls()
		assistant.Model = out.Served.String()
		assistant.Metadata = map[string]any{
			"logical_model": cfg.Model,
			"input_tokens":  out.Usage.InputTokens,
			"output_tokens": out.Usage.OutputTokens,
			"stop_reason":   out.StopReason,
			"turn":          turn,
		}
		if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
			assistant.Content = emptyResponse
		}
		if err := tm.cfg.Store.Append(persist, cfg.ThreadID, assistant); err != nil {
			return runErr(KindStore, fmt.Errorf("append assistant message: %w", err))
		}
		history = append(history, assistant)

		if len(parsed.Items) == 0 {
			if err := m.to(StateResponding); err != nil {
				return runErr(KindInternal, err)
			}
			res.FinalMessage = &assistant
			return nil
		}

		if err := m.to(StateAwaitingToolResults); err != nil {
			return runErr(KindInternal, err)
		}
		logger.Debug().Int("turn", turn).Int("calls", len(parsed.Items)).Int("rejected", len(parsed.Items)-len(parsed.Accepted())).Msg("Dispatching tool calls")

		results, fatal := tm.dispatchTurn(context.WithoutCancel(ctx), parsed.Items, cfg.ProjectID, cfg.PerCallTimeout)
		msgs := make([]session.Message, 0, len(results))
		for i := range results {
			msg := tm.message(session.RoleTool)
			msg.ToolResult = &results[i]
			msgs = append(msgs, msg)
		}
		if err := tm.cfg.Store.Append(persist, cfg.ThreadID, msgs...); err != nil {
			return runErr(KindStore, fmt.Errorf("append tool results: %w", err))
		}
		history = append(history, msgs...)

		if fatal != nil {
			return runErr(KindSandboxUnavailable, fatal)
		}
	}
}

// complete issues one gateway call. The call is detached from run
// cancellation and bounded by the per-call timeout instead.
func (tm *ThreadManager) complete(ctx context.Context, cfg RunConfig, req *llm.Request, turn int) (*llm.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "agentcore.agent", "agent.turn",
		attribute.Int("turn", turn),
		attribute.Int("tools", len(req.Tools)),
		attribute.String("tool_choice", string(req.ToolChoice)),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PerCallTimeout)
	defer cancel()

	out, err := tm.cfg.Gateway.Complete(callCtx, cfg.Model, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (tm *ThreadManager) interruptedResults(history []session.Message) []session.Message {
	pending := session.PendingToolCalls(history)
	if len(pending) == 0 {
		return nil
	}
	msgs := make([]session.Message, 0, len(pending))
	for _, c := range pending {
		msg := tm.message(session.RoleTool)
		msg.ToolResult = &session.ToolResult{
			CallID:     c.ID,
			Name:       c.Name,
			Error:      "tool call was interrupted before a result was recorded",
			ErrorKind:  session.ErrorKindInterrupted,
			Convention: c.Convention,
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// replay reports the recorded outcome of an already claimed run.
func (tm *ThreadManager) replay(ctx context.Context, rec session.RunRecord, logger zerolog.Logger) (*RunResult, error) {
	observability.RecordDedup("run_store", "replayed")
	res := &RunResult{
		RunID:     rec.RunID,
		ThreadID:  rec.ThreadID,
		Turns:     rec.Turns,
		Duplicate: true,
		Error:     rec.Error,
	}
	switch rec.Status {
	case session.RunRunning:
		res.Status = StatusRunning
		logger.Info().Msg("Duplicate delivery of a run still in progress")
		return res, fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
	case session.RunSucceeded:
		res.Status = StatusOK
	default:
		res.Status = StatusError
	}
	logger.Info().Str("status", string(res.Status)).Msg("Duplicate delivery of a finished run")

	if rec.FinalMessageID != "" {
		history, err := tm.cfg.Store.Load(ctx, rec.ThreadID)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to load final message of replayed run")
			return res, nil
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].ID == rec.FinalMessageID {
				res.FinalMessage = &history[i]
				break
			}
		}
	}
	return res, nil
}

func (tm *ThreadManager) message(role session.Role) session.Message {
	return session.Message{ID: uuid.NewString(), Role: role, Timestamp: tm.cfg.Now().UTC()}
}

// Abort cancels a running run. The run stops at its next turn boundary.
func (tm *ThreadManager) Abort(runID string) bool {
	tm.runsMu.Lock()
	defer tm.runsMu.Unlock()

	cancel, exists := tm.activeRuns[runID]
	if !exists {
		tm.logger.Debug().Str("run_id", runID).Msg("No active run to abort")
		return false
	}

	tm.logger.Info().Str("run_id", runID).Msg("Aborting run")
	cancel()
	delete(tm.activeRuns, runID)
	return true
}

// IsRunning reports whether runID is executing in this process.
func (tm *ThreadManager) IsRunning(runID string) bool {
	tm.runsMu.RLock()
	defer tm.runsMu.RUnlock()

	_, exists := tm.activeRuns[runID]
	return exists
}
