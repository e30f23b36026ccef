package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayWithRand(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5, MaxAttempts: 5}

	tests := []struct {
		name    string
		attempt int
		r       float64
		want    time.Duration
	}{
		{"first attempt without jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt doubles", 2, 0, 200 * time.Millisecond},
		{"jitter adds up to half", 2, 1, 300 * time.Millisecond},
		{"clamped to max", 6, 0, time.Second},
		{"attempt zero treated as first", 0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DelayWithRand(tt.attempt, tt.r))
		})
	}
}

func TestRetry(t *testing.T) {
	fast := Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, MaxAttempts: 3}
	errTransient := errors.New("connection reset")
	errFatal := errors.New("forbidden")

	t.Run("should stop on first success", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(context.Background(), fast, nil, func(int) error {
			calls++
			if calls < 2 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("should wrap exhaustion with the last error", func(t *testing.T) {
		attempts, err := Retry(context.Background(), fast, nil, func(int) error { return errTransient })
		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, errTransient)
	})

	t.Run("should not retry errors rejected by the predicate", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, func(err error) bool { return err == errTransient }, func(int) error {
			calls++
			return errFatal
		})
		assert.ErrorIs(t, err, errFatal)
		assert.NotErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("should honour cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := Retry(ctx, fast, nil, func(int) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, attempts)
	})
}
