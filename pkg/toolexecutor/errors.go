package toolexecutor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownTool is returned when a call names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrSchemaUnsupported marks parameter schemas structured calling cannot express.
	ErrSchemaUnsupported = errors.New("unsupported tool schema")
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// SchemaValidationError reports a tool definition rejected at registration.
type SchemaValidationError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("invalid tool definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid tool definition %q: %s", e.Tool, e.Reason)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// ArgumentError lists the schema violations of a call's arguments.
type ArgumentError struct {
	Tool       string
	Violations []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Violations, "; "))
}
