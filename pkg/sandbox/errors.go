package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/url"
)

var (
	// ErrSandboxUnavailable is returned when a provider stays unreachable after bounded retries.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrInvalidTransition is returned for a state change the session state machine forbids.
	ErrInvalidTransition = errors.New("invalid sandbox state transition")

	// ErrSessionNotFound is returned when no session exists for a project.
	ErrSessionNotFound = errors.New("sandbox session not found")

	// ErrProjectRequired is returned when a session is requested without a project id.
	ErrProjectRequired = errors.New("project id is required")

	// ErrUnknownProvider is returned when configuration names an unsupported provider.
	ErrUnknownProvider = errors.New("unknown sandbox provider")

	// ErrInstanceNotFound is returned by providers when the remote sandbox no longer exists.
	ErrInstanceNotFound = errors.New("sandbox instance not found")

	// ErrExecutionTimeout is returned when a command exceeds its timeout.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrPathExcluded is returned when a file operation targets an excluded path.
	ErrPathExcluded = errors.New("path is excluded from the workspace")

	// ErrManagerClosed is returned after CloseAll.
	ErrManagerClosed = errors.New("sandbox manager is closed")
)

// TransientError marks a provider failure as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a network failure worth retrying.
// Providers mark their own retryable failures with Transient; beyond that
// only transport errors qualify. File errors never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pathErr *fs.PathError
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.As(err, &pathErr) {
		return false
	}
	if errors.Is(err, ErrExecutionTimeout) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
