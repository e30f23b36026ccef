package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/sandbox"
	"github.com/harun/agentcore/pkg/session"
)

type fakeRunner struct {
	err      error
	mu       sync.Mutex
	projects []string
}

func (f *fakeRunner) WithSession(ctx context.Context, projectID string, fn func(ctx context.Context, s sandbox.Session) error) error {
	f.mu.Lock()
	f.projects = append(f.projects, projectID)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	s := sandbox.Session{ID: "sess-" + projectID, ProjectID: projectID, State: sandbox.StateRunning}
	return fn(sandbox.ContextWithSession(ctx, s), s)
}

func call(name string, args map[string]any) session.ToolCall {
	return session.ToolCall{ID: "call-1", Name: name, Arguments: args, Convention: session.ConventionStructured}
}

func TestDispatch_ReadOnly(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, Config{MaxOutputBytes: 16})
	r.MustRegister(
		ToolDefinition{
			Name:        "echo",
			Description: "Echo tool",
			Parameters:  []ToolParameter{{Name: "message", Type: "string", Description: "Message", Required: true}},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				exec := ExecContextFromContext(ctx)
				if exec == nil || exec.CallID != "call-1" {
					return nil, errors.New("missing execution context")
				}
				return args["message"], nil
			},
		},
		ToolDefinition{Name: "fail", Description: "fails", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("handler error")
		}},
		ToolDefinition{Name: "slow", Description: "slow", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(2 * time.Second)
			return "done", nil
		}},
		ToolDefinition{Name: "panics", Description: "panics", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		}},
		ToolDefinition{Name: "structured", Description: "returns a map", Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]int{"n": 1}, nil
		}},
	)

	t.Run("should return the handler output", func(t *testing.T) {
		res, err := r.Dispatch(ctx, call("echo", map[string]any{"message": "hello"}), DispatchOptions{})
		require.NoError(t, err)
		assert.False(t, res.IsError())
		assert.Equal(t, "hello", res.Output)
		assert.Equal(t, "call-1", res.CallID)
		assert.Equal(t, "echo", res.Name)
		assert.Equal(t, session.ConventionStructured, res.Convention)
	})

	t.Run("should truncate large output", func(t *testing.T) {
		res, err := r.Dispatch(ctx, call("echo", map[string]any{"message": strings.Repeat("x", 100)}), DispatchOptions{})
		require.NoError(t, err)
		assert.True(t, res.Truncated)
		assert.True(t, strings.HasPrefix(res.Output, strings.Repeat("x", 16)))
		assert.Contains(t, res.Output, "[output truncated]")
	})

	t.Run("should truncate on a rune boundary", func(t *testing.T) {
		message := "x" + strings.Repeat("é", 20)
		res, err := r.Dispatch(ctx, call("echo", map[string]any{"message": message}), DispatchOptions{})
		require.NoError(t, err)
		assert.True(t, res.Truncated)
		assert.True(t, utf8.ValidString(res.Output))
		assert.True(t, strings.HasPrefix(res.Output, "x"+strings.Repeat("é", 7)+"\n"))
	})

	t.Run("should render non-string output as JSON", func(t *testing.T) {
		res, err := r.Dispatch(ctx, call("structured", nil), DispatchOptions{})
		require.NoError(t, err)
		assert.Equal(t, `{"n":1}`, res.Output)
	})

	tests := []struct {
		name     string
		call     session.ToolCall
		opts     DispatchOptions
		kind     session.ErrorKind
		contains string
	}{
		{name: "unknown tool", call: call("nope", nil), kind: session.ErrorKindUnknownTool, contains: "unknown tool"},
		{name: "invalid arguments", call: call("echo", map[string]any{}), kind: session.ErrorKindInvalidArguments, contains: "message"},
		{name: "handler error", call: call("fail", nil), kind: session.ErrorKindExecution, contains: "handler error"},
		{name: "timeout", call: call("slow", nil), opts: DispatchOptions{Timeout: 50 * time.Millisecond}, kind: session.ErrorKindTimeout, contains: "timeout"},
		{name: "panic", call: call("panics", nil), kind: session.ErrorKindExecution, contains: "panicked"},
	}
	for _, tt := range tests {
		t.Run("should turn "+tt.name+" into an error result", func(t *testing.T) {
			res, err := r.Dispatch(ctx, tt.call, tt.opts)
			require.NoError(t, err)
			assert.True(t, res.IsError())
			assert.Equal(t, tt.kind, res.ErrorKind)
			assert.Contains(t, res.Error, tt.contains)
			assert.Equal(t, tt.call.ID, res.CallID)
		})
	}
}

func TestDispatch_Sandboxed(t *testing.T) {
	ctx := context.Background()

	sandboxed := ToolDefinition{
		Name:        "whoami",
		Description: "Report the bound session",
		SideEffect:  Sandboxed,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			s, ok := sandbox.SessionFromContext(ctx)
			if !ok {
				return nil, errors.New("no session")
			}
			return s.ID, nil
		},
	}

	t.Run("should run inside the project session", func(t *testing.T) {
		runner := &fakeRunner{}
		r := newRegistry(t, Config{Sandbox: runner})
		r.MustRegister(sandboxed)

		res, err := r.Dispatch(ctx, call("whoami", nil), DispatchOptions{ProjectID: "p1"})
		require.NoError(t, err)
		assert.Equal(t, "sess-p1", res.Output)
		assert.Equal(t, []string{"p1"}, runner.projects)
	})

	t.Run("should surface sandbox unavailability as fatal", func(t *testing.T) {
		runner := &fakeRunner{err: fmt.Errorf("create: %w", sandbox.ErrSandboxUnavailable)}
		r := newRegistry(t, Config{Sandbox: runner})
		r.MustRegister(sandboxed)

		res, err := r.Dispatch(ctx, call("whoami", nil), DispatchOptions{ProjectID: "p1"})
		assert.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
		assert.Equal(t, session.ErrorKindSandboxUnavailable, res.ErrorKind)
		assert.Equal(t, "call-1", res.CallID)
	})

	t.Run("should surface unavailability raised by the handler as fatal", func(t *testing.T) {
		r := newRegistry(t, Config{Sandbox: &fakeRunner{}})
		r.MustRegister(ToolDefinition{Name: "exec", Description: "exec", SideEffect: Sandboxed,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, fmt.Errorf("exec after 4 attempts: %w", sandbox.ErrSandboxUnavailable)
			}})

		res, err := r.Dispatch(ctx, call("exec", nil), DispatchOptions{ProjectID: "p1"})
		assert.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
		assert.Equal(t, session.ErrorKindSandboxUnavailable, res.ErrorKind)
	})

	t.Run("should report other session errors as execution errors", func(t *testing.T) {
		r := newRegistry(t, Config{Sandbox: &fakeRunner{err: sandbox.ErrProjectRequired}})
		r.MustRegister(sandboxed)

		res, err := r.Dispatch(ctx, call("whoami", nil), DispatchOptions{})
		require.NoError(t, err)
		assert.Equal(t, session.ErrorKindExecution, res.ErrorKind)
	})

	t.Run("should fail without a sandbox", func(t *testing.T) {
		r := newRegistry(t, Config{})
		r.MustRegister(sandboxed)

		res, err := r.Dispatch(ctx, call("whoami", nil), DispatchOptions{ProjectID: "p1"})
		require.NoError(t, err)
		assert.Equal(t, session.ErrorKindExecution, res.ErrorKind)
	})
}
