package toolcall

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

func newCatalog(t *testing.T) *toolexecutor.Registry {
	t.Helper()
	reg := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	noop := func(context.Context, map[string]any) (any, error) { return "ok", nil }
	reg.MustRegister(
		toolexecutor.ToolDefinition{
			Name:        "write_file",
			Description: "Write a file",
			Handler:     noop,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "Path", Required: true},
				{Name: "content", Type: "string", Description: "Content", Required: true},
			},
		},
		toolexecutor.ToolDefinition{
			Name:        "sleep",
			Description: "Sleep",
			Handler:     noop,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "seconds", Type: "integer", Description: "Seconds", Required: true},
				{Name: "verbose", Type: "boolean", Description: "Verbose"},
			},
		},
	)
	return reg
}

func invoke(name string, params ...string) string {
	var b strings.Builder
	b.WriteString(`<invoke name="` + name + `">`)
	for i := 0; i+1 < len(params); i += 2 {
		b.WriteString(`<parameter name="` + params[i] + `">` + params[i+1] + `</parameter>`)
	}
	b.WriteString(`</invoke>`)
	return b.String()
}

func block(invokes ...string) string {
	return "<function_calls>\n" + strings.Join(invokes, "\n") + "\n</function_calls>"
}

func collect(s *Scanner) []Attempt {
	return slices.Collect(s.All())
}

func TestScanner(t *testing.T) {
	catalog := newCatalog(t)

	t.Run("should yield nothing for plain text", func(t *testing.T) {
		s := NewScanner("just talking", true, catalog)
		assert.Empty(t, collect(s))
		assert.Empty(t, s.Pending())
	})

	t.Run("should decode string and typed parameters", func(t *testing.T) {
		text := "Let me write it.\n" + block(
			invoke("write_file", "path", "src/main.go", "content", "\npackage main\n"),
			invoke("sleep", "seconds", " 3 ", "verbose", "true"),
		)
		attempts := collect(NewScanner(text, true, catalog))
		require.Len(t, attempts, 2)

		first := attempts[0]
		require.Nil(t, first.Err)
		assert.Equal(t, "write_file", first.Call.Name)
		assert.Equal(t, "src/main.go", first.Call.Arguments["path"])
		assert.Equal(t, "package main", first.Call.Arguments["content"])
		assert.Equal(t, session.ConventionEmbeddedTag, first.Call.Convention)
		assert.True(t, strings.HasPrefix(first.Call.ID, "call_"))
		assert.Equal(t, strings.Index(text, "<invoke"), first.Offset)

		second := attempts[1]
		require.Nil(t, second.Err)
		assert.Equal(t, float64(3), second.Call.Arguments["seconds"])
		assert.Equal(t, true, second.Call.Arguments["verbose"])
		assert.Greater(t, second.Offset, first.Offset)
	})

	t.Run("should report unknown tools without stopping", func(t *testing.T) {
		text := block(invoke("nope", "x", "1")) + " then " + block(invoke("sleep", "seconds", "1"))
		attempts := collect(NewScanner(text, true, catalog))
		require.Len(t, attempts, 2)
		require.NotNil(t, attempts[0].Err)
		assert.Equal(t, KindUnknownTool, attempts[0].Err.Kind)
		assert.Equal(t, "nope", attempts[0].Err.Tool)
		assert.NotNil(t, attempts[1].Call)
	})

	t.Run("should report invalid arguments", func(t *testing.T) {
		attempts := collect(NewScanner(block(invoke("sleep", "seconds", "soon")), true, catalog))
		require.Len(t, attempts, 1)
		require.NotNil(t, attempts[0].Err)
		assert.Equal(t, KindInvalidArguments, attempts[0].Err.Kind)

		attempts = collect(NewScanner(block(invoke("write_file", "path", "a.txt")), true, catalog))
		require.Len(t, attempts, 1)
		require.NotNil(t, attempts[0].Err)
		assert.Equal(t, KindInvalidArguments, attempts[0].Err.Kind)
		assert.Contains(t, attempts[0].Err.Message, "content")
	})

	t.Run("should report malformed markup", func(t *testing.T) {
		cases := map[string]string{
			"no name":           "<function_calls><invoke><parameter name=\"a\">1</parameter></invoke></function_calls>",
			"no invoke":         "<function_calls>hello</function_calls>",
			"open parameter":    "<function_calls><invoke name=\"sleep\"><parameter name=\"seconds\">1</invoke></function_calls>",
			"duplicate param":   block(invoke("sleep", "seconds", "1", "seconds", "2")),
			"unterminated call": "<function_calls><invoke name=\"sleep\">",
		}
		for name, text := range cases {
			attempts := collect(NewScanner(text, true, catalog))
			require.Len(t, attempts, 1, name)
			require.NotNil(t, attempts[0].Err, name)
			assert.Equal(t, KindMalformedMarkup, attempts[0].Err.Kind, name)
		}
	})

	t.Run("should hold back an unterminated block when input is not final", func(t *testing.T) {
		text := "Working. " + block(invoke("sleep", "seconds", "1")) + " and <function_calls><invoke name=\"sleep\">"
		s := NewScanner(text, false, catalog)
		attempts := collect(s)
		require.Len(t, attempts, 1)
		assert.NotNil(t, attempts[0].Call)
		assert.Equal(t, "<function_calls><invoke name=\"sleep\">", s.Pending())
	})

	t.Run("should hold back a partial opening tag when input is not final", func(t *testing.T) {
		s := NewScanner("Working <function_ca", false, catalog)
		assert.Empty(t, collect(s))
		assert.Equal(t, "<function_ca", s.Pending())
	})

	t.Run("should not restart once consumed", func(t *testing.T) {
		s := NewScanner(block(invoke("sleep", "seconds", "1")), true, catalog)
		assert.Len(t, collect(s), 1)
		assert.Empty(t, collect(s))
		_, ok := s.Next()
		assert.False(t, ok)
	})

	t.Run("should be lazy", func(t *testing.T) {
		text := block(invoke("sleep", "seconds", "1")) + block(invoke("sleep", "seconds", "2"))
		s := NewScanner(text, true, catalog)
		for a := range s.All() {
			assert.Equal(t, float64(1), a.Call.Arguments["seconds"])
			break
		}
		a, ok := s.Next()
		require.True(t, ok)
		assert.Equal(t, float64(2), a.Call.Arguments["seconds"])
	})
}

func TestPartialSuffix(t *testing.T) {
	assert.Equal(t, "<", partialSuffix("abc <", blockOpen))
	assert.Equal(t, "<function_calls", partialSuffix("x<function_calls", blockOpen))
	assert.Equal(t, "", partialSuffix("abc", blockOpen))
}
