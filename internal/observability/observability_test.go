package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	RunStarted()
	RecordRun(2*time.Second, 3, true, "")
	RecordLLMAttempt("anthropic", "claude-sonnet-4", "retryable", 300*time.Millisecond)
	RecordSandboxOp("fake", "create", "success", time.Second)
	RecordToolCall("execute_command", "structured", 10*time.Millisecond, false)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "agentcore_run_total")
	assert.Contains(t, body, `agentcore_llm_attempt_total{model="claude-sonnet-4",outcome="retryable",provider="anthropic"}`)
	assert.Contains(t, body, "agentcore_sandbox_op_total")
	assert.True(t, strings.Contains(body, "agentcore_tool_call_total"))
}

func TestAuditLogger(t *testing.T) {
	t.Run("should write one json line per event", func(t *testing.T) {
		var buf bytes.Buffer
		a := NewAuditLogger(&buf)
		a.RecordToolCall(context.Background(), "read_file", "thread-1", true, map[string]any{"call_id": "c1"})

		var event map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
		assert.Equal(t, "tool", event["type"])
		assert.Equal(t, "tool:read_file", event["action"])
		assert.Equal(t, "success", event["status"])
		assert.Equal(t, "thread-1", event["actor"])
	})

	t.Run("should tolerate a nil logger", func(t *testing.T) {
		var a *AuditLogger
		a.RecordRun(context.Background(), "completed", "thread-1", false, nil)
		assert.NoError(t, a.Close())
	})
}
