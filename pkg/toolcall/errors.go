package toolcall

import (
	"fmt"

	"github.com/harun/agentcore/pkg/session"
)

// Kind classifies a rejected tool call.
type Kind string

const (
	KindUnknownTool      Kind = "unknown_tool"
	KindInvalidArguments Kind = "invalid_arguments"
	KindMalformedMarkup  Kind = "malformed_markup"
)

// ErrorKind maps the parse failure onto the tool result taxonomy. Malformed
// markup is reported to the model as invalid arguments.
func (k Kind) ErrorKind() session.ErrorKind {
	if k == KindUnknownTool {
		return session.ErrorKindUnknownTool
	}
	return session.ErrorKindInvalidArguments
}

// ParseError describes why a call was rejected before dispatch.
type ParseError struct {
	Kind    Kind
	Tool    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tool, e.Message)
}
