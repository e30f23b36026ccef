package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/agent"
	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/session"
)

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterOps(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), &fakeProvider{text: "hi"})
	h := NewRouter(d)

	t.Run("should report health", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("should not be ready before start", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/readyz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("should serve metrics", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should list models", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/v1/models", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var specs []llm.ModelSpec
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &specs))
		ids := make([]string, 0, len(specs))
		for _, s := range specs {
			ids = append(ids, s.ID)
		}
		assert.Contains(t, ids, testModel)
	})

	t.Run("should refresh models", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/v1/models/refresh", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should report queue stats", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/v1/queue", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRouterRuns(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), &fakeProvider{text: "done"})
	h := NewRouter(d)

	t.Run("should run and wait for the result", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/v1/runs?wait=true", RunRequest{RunID: "w1", ThreadID: "t1", Prompt: "hello"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res agent.RunResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "w1", res.RunID)
		assert.Equal(t, agent.StatusOK, res.Status)
		require.NotNil(t, res.FinalMessage)
		assert.Equal(t, "done", res.FinalMessage.Content)

		rec = doRequest(t, h, http.MethodGet, "/v1/runs/w1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var run session.RunRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		assert.Equal(t, session.RunSucceeded, run.Status)
		assert.Equal(t, res.FinalMessage.ID, run.FinalMessageID)

		rec = doRequest(t, h, http.MethodGet, "/v1/threads/t1/messages", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var msgs []session.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
		assert.Len(t, msgs, 2)
	})

	t.Run("should queue a run and return its id", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/v1/runs", RunRequest{ThreadID: "t2", Prompt: "hello"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var accepted map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
		runID := accepted["run_id"]
		require.NotEmpty(t, runID)
		assert.Equal(t, "queued", accepted["status"])

		require.Eventually(t, func() bool {
			run, err := d.store.GetRun(context.Background(), runID)
			return err == nil && run.Status == session.RunSucceeded
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/v1/runs", `{"thread_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should reject invalid runs before queueing", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/v1/runs", RunRequest{ThreadID: "a/b"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doRequest(t, h, http.MethodPost, "/v1/runs", RunRequest{ThreadID: "t3", Model: "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doRequest(t, h, http.MethodPost, "/v1/runs", RunRequest{ThreadID: "t3", Model: "retired"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should 404 unknown runs", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/v1/runs/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = doRequest(t, h, http.MethodDelete, "/v1/runs/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRunErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate", agent.ErrDuplicateRun, http.StatusConflict},
		{"user input", &agent.RunError{Kind: agent.KindUserInput, Err: agent.ErrUserInput}, http.StatusBadRequest},
		{"budget", &agent.RunError{Kind: agent.KindBudgetExceeded, Err: agent.ErrBudgetExceeded}, http.StatusUnprocessableEntity},
		{"provider", &agent.RunError{Kind: agent.KindLLMExhausted, Err: assert.AnError}, http.StatusBadGateway},
		{"sandbox", &agent.RunError{Kind: agent.KindSandboxUnavailable, Err: assert.AnError}, http.StatusServiceUnavailable},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run("should map "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runErrorStatus(tt.err))
		})
	}
}
