package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailoverReason
	}{
		{"deadline", context.DeadlineExceeded, FailoverTimeout},
		{"canceled", context.Canceled, FailoverCanceled},
		{"rate limit text", errors.New("429 Too Many Requests"), FailoverRateLimit},
		{"auth text", errors.New("invalid api key provided"), FailoverAuth},
		{"billing text", errors.New("insufficient quota"), FailoverBilling},
		{"overloaded", errors.New("model is overloaded"), FailoverModelUnavailable},
		{"connection refused", errors.New("dial tcp: connection refused"), FailoverNetwork},
		{"server error", errors.New("502 bad gateway"), FailoverServerError},
		{"schema rejected", errors.New("invalid_request_error: tools.0.input_schema"), FailoverInvalidRequest},
		{"safety", errors.New("prompt blocked by safety: SAFETY"), FailoverContentFilter},
		{"unknown", errors.New("something odd"), FailoverUnknown},
		{"wrapped provider error", fmt.Errorf("outer: %w", &ProviderError{Reason: FailoverBilling}), FailoverBilling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestNewProviderError(t *testing.T) {
	t.Run("should prefer the status code over message text", func(t *testing.T) {
		err := NewProviderError("anthropic", "m", 400, errors.New("rate limit"))
		assert.Equal(t, FailoverInvalidRequest, err.Reason)
		assert.False(t, err.Retryable())
	})

	t.Run("should classify status codes", func(t *testing.T) {
		assert.Equal(t, FailoverAuth, NewProviderError("p", "m", 403, nil).Reason)
		assert.Equal(t, FailoverRateLimit, NewProviderError("p", "m", 429, nil).Reason)
		assert.Equal(t, FailoverModelUnavailable, NewProviderError("p", "m", 404, nil).Reason)
		assert.Equal(t, FailoverServerError, NewProviderError("p", "m", 529, nil).Reason)
	})

	t.Run("should format provider, model and status", func(t *testing.T) {
		err := NewProviderError("openai", "gpt-4.1", 500, errors.New("oops"))
		assert.Equal(t, "[server_error] openai model=gpt-4.1 status=500: oops", err.Error())
	})
}

func TestFailoverReasonRetryable(t *testing.T) {
	for _, r := range []FailoverReason{FailoverRateLimit, FailoverTimeout, FailoverNetwork, FailoverServerError, FailoverModelUnavailable, FailoverBilling, FailoverUnknown} {
		assert.True(t, r.Retryable(), r)
	}
	for _, r := range []FailoverReason{FailoverAuth, FailoverInvalidRequest, FailoverContentFilter, FailoverCanceled} {
		assert.False(t, r.Retryable(), r)
	}
}

func TestNewResponse(t *testing.T) {
	t.Run("should record the text offset of each tool call", func(t *testing.T) {
		resp := NewResponse([]Block{
			{Type: BlockText, Text: "hello "},
			{Type: BlockToolCall, Call: &ToolCall{ID: "1", Name: "a"}},
			{Type: BlockText, Text: "world"},
			{Type: BlockToolCall, Call: &ToolCall{ID: "2", Name: "b"}},
		})
		assert.Equal(t, "hello world", resp.Text)
		if assert.Len(t, resp.ToolCalls, 2) {
			assert.Equal(t, 6, resp.ToolCalls[0].Offset)
			assert.Equal(t, 11, resp.ToolCalls[1].Offset)
		}
	})
}
