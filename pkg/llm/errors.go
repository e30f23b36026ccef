package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrUnknownModel is returned when neither the config store nor the
	// catalog knows a logical model id.
	ErrUnknownModel = errors.New("unknown model")
	// ErrModelDisabled is returned for a model switched off in the config store.
	ErrModelDisabled = errors.New("model disabled")
	// ErrEmptyChain is returned for a model with no usable chain entries.
	ErrEmptyChain = errors.New("model has no fallback chain")
	// ErrUnknownProvider is returned when a chain names an unconfigured provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// FailoverReason categorizes why a provider request failed.
type FailoverReason string

const (
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverNetwork          FailoverReason = "network"
	FailoverServerError      FailoverReason = "server_error"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverBilling          FailoverReason = "billing"
	FailoverAuth             FailoverReason = "auth"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverCanceled         FailoverReason = "canceled"
	FailoverUnknown          FailoverReason = "unknown"
)

// Retryable reports whether the next chain entry should be tried. Auth
// failures, rejected requests and safety blocks abort the chain: a worse model
// must not silently answer instead.
func (r FailoverReason) Retryable() bool {
	switch r {
	case FailoverAuth, FailoverInvalidRequest, FailoverContentFilter, FailoverCanceled:
		return false
	}
	return true
}

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Provider string
	Model    string
	Reason   FailoverReason
	Status   int
	Err      error
}

// NewProviderError classifies err for provider/model. A status of zero
// leaves classification to the error text.
func NewProviderError(provider, model string, status int, err error) *ProviderError {
	reason := classifyStatusCode(status)
	if reason == FailoverUnknown {
		reason = ClassifyError(err)
	}
	return &ProviderError{Provider: provider, Model: model, Reason: reason, Status: status, Err: err}
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Reason, e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the chain may advance past this failure.
func (e *ProviderError) Retryable() bool { return e.Reason.Retryable() }

// ClassifyError maps an arbitrary error to a FailoverReason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	if errors.Is(err, context.Canceled) {
		return FailoverCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailoverTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailoverTimeout
		}
		return FailoverNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "etimedout"):
		return FailoverTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return FailoverRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "permission denied", "401", "403"):
		return FailoverAuth
	case containsAny(msg, "billing", "payment", "quota", "insufficient", "402"):
		return FailoverBilling
	case containsAny(msg, "content_filter", "content policy", "safety"):
		return FailoverContentFilter
	case containsAny(msg, "model not found", "model_not_found", "does not exist", "overloaded", "unavailable"):
		return FailoverModelUnavailable
	case containsAny(msg, "connection refused", "connection reset", "no such host", "eof", "broken pipe"):
		return FailoverNetwork
	case containsAny(msg, "internal server", "server error", "500", "502", "503", "504", "529"):
		return FailoverServerError
	case containsAny(msg, "invalid_request", "invalid request", "schema", "400"):
		return FailoverInvalidRequest
	}
	return FailoverUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == 0:
		return FailoverUnknown
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusRequestTimeout:
		return FailoverTimeout
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		return FailoverInvalidRequest
	case status >= 500:
		return FailoverServerError
	}
	return FailoverUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FallbackError is returned when every chain entry failed or a fatal
// failure aborted the chain.
type FallbackError struct {
	LogicalModel string
	Attempts     []Attempt
	// Fatal is true when the chain was aborted rather than exhausted.
	Fatal bool
	err   *multierror.Error
}

func (e *FallbackError) Error() string {
	verb := "exhausted"
	if e.Fatal {
		verb = "aborted"
	}
	return fmt.Sprintf("fallback chain for %s %s after %d attempt(s): %s", e.LogicalModel, verb, len(e.Attempts), e.err.Error())
}

// Unwrap exposes the attempt errors to errors.Is and errors.As.
func (e *FallbackError) Unwrap() []error {
	return e.err.WrappedErrors()
}

// Last returns the error of the final attempt.
func (e *FallbackError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
