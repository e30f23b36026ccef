package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/sandbox"
	"github.com/harun/agentcore/pkg/session"
)

// handlerGrace bounds how long a timed out sandboxed handler may keep the
// session lock while it observes cancellation.
const handlerGrace = 5 * time.Second

// DispatchOptions carries per-call execution parameters.
type DispatchOptions struct {
	ProjectID string
	Timeout   time.Duration
}

// Dispatch executes call and always returns its result. Tool failures are
// reported inside the result. The error is non-nil only when the sandbox is
// unavailable, which the caller must treat as fatal for the run.
func (r *Registry) Dispatch(ctx context.Context, call session.ToolCall, opts DispatchOptions) (session.ToolResult, error) {
	ctx, span := tracing.StartSpan(ctx, "agentcore.toolexecutor", "tool.dispatch",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
		attribute.String("convention", string(call.Convention)),
	)
	defer span.End()
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	res, fatal := r.dispatch(ctx, call, opts)
	res.CallID = call.ID
	res.Name = call.Name
	res.Convention = call.Convention
	res.Duration = time.Since(start)

	observability.RecordToolCall(call.Name, string(call.Convention), res.Duration, !res.IsError())
	r.cfg.Audit.RecordToolCall(ctx, call.Name, opts.ProjectID, !res.IsError(), map[string]any{
		"call_id":     call.ID,
		"duration_ms": res.Duration.Milliseconds(),
		"error_kind":  string(res.ErrorKind),
	})

	if res.IsError() {
		span.SetStatus(codes.Error, res.Error)
		logger.Warn().Str("error_kind", string(res.ErrorKind)).Str("error", res.Error).Dur("duration", res.Duration).Msg("Tool call failed")
	} else {
		logger.Debug().Dur("duration", res.Duration).Bool("truncated", res.Truncated).Msg("Tool call completed")
	}
	if fatal != nil {
		span.RecordError(fatal)
	}
	return res, fatal
}

func (r *Registry) dispatch(ctx context.Context, call session.ToolCall, opts DispatchOptions) (session.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(session.ErrorKindUnknownTool, fmt.Sprintf("%s: %s", ErrUnknownTool, call.Name)), nil
	}
	if err := validateArgs(t, call.Arguments); err != nil {
		return errorResult(session.ErrorKindInvalidArguments, err.Error()), nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	ctx = ContextWithExecContext(ctx, &ExecutionContext{
		CallID:    call.ID,
		Tool:      call.Name,
		ProjectID: opts.ProjectID,
		Timeout:   timeout,
	})

	if !t.def.SideEffect.NeedsSession() {
		return r.invoke(ctx, t.def, call.Arguments, timeout, false), nil
	}

	if r.cfg.Sandbox == nil {
		return errorResult(session.ErrorKindExecution, "no sandbox configured for "+string(t.def.SideEffect)+" tool"), nil
	}
	var res session.ToolResult
	err := r.cfg.Sandbox.WithSession(ctx, opts.ProjectID, func(ctx context.Context, _ sandbox.Session) error {
		res = r.invoke(ctx, t.def, call.Arguments, timeout, true)
		return nil
	})
	switch {
	case errors.Is(err, sandbox.ErrSandboxUnavailable):
		return errorResult(session.ErrorKindSandboxUnavailable, err.Error()), err
	case err != nil:
		return errorResult(session.ErrorKindExecution, err.Error()), nil
	case res.ErrorKind == session.ErrorKindSandboxUnavailable:
		return res, fmt.Errorf("%s: %w", call.Name, sandbox.ErrSandboxUnavailable)
	}
	return res, nil
}

type outcome struct {
	value any
	err   error
}

// invoke runs the handler with a deadline. When holdUntilDone is set the
// call waits a bounded grace period for the handler to return after a
// timeout, so a session is not handed to the next call while still in use.
func (r *Registry) invoke(ctx context.Context, def ToolDefinition, args map[string]any, timeout time.Duration, holdUntilDone bool) session.ToolResult {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		v, err := def.Handler(timeoutCtx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, sandbox.ErrSandboxUnavailable) {
				return errorResult(session.ErrorKindSandboxUnavailable, out.err.Error())
			}
			if errors.Is(out.err, context.DeadlineExceeded) && timeoutCtx.Err() != nil {
				return errorResult(session.ErrorKindTimeout, fmt.Sprintf("tool execution timeout after %v", timeout))
			}
			return errorResult(session.ErrorKindExecution, out.err.Error())
		}
		output, truncated := r.truncateOutput(render(out.value))
		return session.ToolResult{Output: output, Truncated: truncated}

	case <-timeoutCtx.Done():
		if holdUntilDone {
			select {
			case <-done:
			case <-time.After(handlerGrace):
				r.logger.Warn().Str("tool", def.Name).Msg("Tool handler ignored cancellation")
			}
		}
		return errorResult(session.ErrorKindTimeout, fmt.Sprintf("tool execution timeout after %v", timeout))
	}
}

func errorResult(kind session.ErrorKind, msg string) session.ToolResult {
	return session.ToolResult{Error: msg, ErrorKind: kind}
}

func render(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	case []byte:
		return string(out)
	case fmt.Stringer:
		return out.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// truncateOutput cuts output at the configured byte cap, backing off to a
// rune boundary so the stored text stays valid UTF-8.
func (r *Registry) truncateOutput(output string) (string, bool) {
	maxSize := r.cfg.MaxOutputBytes
	if len(output) <= maxSize {
		return output, false
	}
	cut := maxSize
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	r.logger.Warn().Int("original", len(output)).Int("truncated", cut).Msg("Output truncated")
	return output[:cut] + "\n... [output truncated]", true
}
