package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Convention is the encoding a tool call arrived in.
type Convention string

const (
	ConventionStructured  Convention = "structured"
	ConventionEmbeddedTag Convention = "embedded_tag"
)

// ErrorKind classifies a failed tool result.
type ErrorKind string

const (
	ErrorKindUnknownTool        ErrorKind = "unknown_tool"
	ErrorKindInvalidArguments   ErrorKind = "invalid_arguments"
	ErrorKindExecution          ErrorKind = "execution_error"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindSandboxUnavailable ErrorKind = "sandbox_unavailable"
	ErrorKindInterrupted        ErrorKind = "interrupted"
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Convention Convention     `json:"convention"`
}

// ToolResult is the outcome of exactly one ToolCall.
type ToolResult struct {
	CallID     string        `json:"call_id"`
	Name       string        `json:"name"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Convention Convention    `json:"convention"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// IsError reports whether the result carries an error.
func (r ToolResult) IsError() bool {
	return r.ErrorKind != "" || r.Error != ""
}

// Message is one immutable entry of a thread's log.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	Model      string         `json:"model,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate checks the shape of a message before it is persisted.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleSystem:
		if m.Content == "" {
			return fmt.Errorf("%s message content cannot be empty", m.Role)
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return errors.New("assistant message needs content or tool calls")
		}
	case RoleTool:
		if m.ToolResult == nil || m.ToolResult.CallID == "" {
			return errors.New("tool message needs a tool result with a call id")
		}
	case "":
		return errors.New("message role cannot be empty")
	default:
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	return nil
}

// PendingToolCalls returns the calls of the last assistant message that have
// no result after it in msgs.
func PendingToolCalls(msgs []Message) []ToolCall {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(msgs[last].ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range msgs[last+1:] {
		if m.ToolResult != nil {
			answered[m.ToolResult.CallID] = true
		}
	}
	var pending []ToolCall
	for _, c := range msgs[last].ToolCalls {
		if !answered[c.ID] {
			pending = append(pending, c)
		}
	}
	return pending
}

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord tracks one run id so duplicate deliveries can be recognised.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	ThreadID       string    `json:"thread_id"`
	Status         RunStatus `json:"status"`
	Turns          int       `json:"turns"`
	FinalMessageID string    `json:"final_message_id,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

var (
	// ErrRunNotFound is returned when no record exists for a run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidKey is returned for thread or run ids that are not path safe.
	ErrInvalidKey = errors.New("invalid key")
)

// ValidateKey rejects ids that could escape a storage directory.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidKey)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidKey)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidKey)
	}
	return nil
}
