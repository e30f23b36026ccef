package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"anthropic key", "key sk-ant-REDACTED", "key [REDACTED]"},
		{"openai key", "key sk-abcdefghijklmnopqrstuvwxyz", "key [REDACTED]"},
		{"openai project key", "key sk-proj-abcdefghijklmnopqrstuvwxyz", "key [REDACTED]"},
		{"google key", "key AIzaSyA1234567890abcdefghijklmnopqrstu", "key [REDACTED]"},
		{"daytona key", "key dtn_0123456789abcdef0123", "key [REDACTED]"},
		{"bearer token", "Authorization: Bearer abc.def.ghi", "Authorization: [REDACTED]"},
		{"json field", `{"token":"xyz","level":"info"}`, `{"token":"[REDACTED]","level":"info"}`},
		{"plain text", "nothing to hide", "nothing to hide"},
	}
	for _, tt := range tests {
		t.Run("should redact "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Redact(tt.input))
		})
	}
}

func TestRedactingWriter(t *testing.T) {
	t.Run("should report the original length", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewRedactor().Wrap(&buf)
		line := []byte("using sk-ant-REDACTED\n")

		n, err := w.Write(line)
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
		assert.Equal(t, "using [REDACTED]\n", buf.String())
	})

	t.Run("should accept custom patterns", func(t *testing.T) {
		r := NewRedactor()
		require.NoError(t, r.AddPattern(`internal-[0-9]+`))
		assert.Equal(t, "id [REDACTED]", r.Redact("id internal-42"))
		assert.Error(t, r.AddPattern(`(`))
	})
}
