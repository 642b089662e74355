package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures into the fixed taxonomy exposed
// to callers and operators.
type ErrorKind string

const (
	// KindNotFound means no enabled provider maps the requested model id.
	KindNotFound ErrorKind = "not_found"

	// KindAllProvidersUnhealthy means providers exist for the model but
	// every one of them is currently excluded from routing.
	KindAllProvidersUnhealthy ErrorKind = "all_providers_unhealthy"

	// KindTimeout means the adapter exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindOverloaded means the adapter refused the call due to its
	// concurrency cap.
	KindOverloaded ErrorKind = "overloaded"

	// KindSandboxFailure means the sandboxed execution environment could
	// not be set up; distinct from the provider application failing.
	KindSandboxFailure ErrorKind = "sandbox_failure"

	// KindUpstream means the provider returned an application-level error.
	KindUpstream ErrorKind = "upstream_error"

	// KindMalformedResponse means the provider's output could not be
	// parsed into the canonical schema.
	KindMalformedResponse ErrorKind = "malformed_upstream_response"

	// KindConfigurationInvalid means provider configuration failed
	// validation at activation time.
	KindConfigurationInvalid ErrorKind = "configuration_invalid"

	// KindCancelled means the client cancelled the request.
	KindCancelled ErrorKind = "cancelled"
)

// Error is the typed error returned across the adapter and dispatcher
// boundaries. Message is operator-facing; client responses carry only
// the kind and the request id.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.Cause != nil:
		return fmt.Sprintf("provider %q: %s (%s): %v", e.Provider, e.Message, e.Kind, e.Cause)
	case e.Provider != "":
		return fmt.Sprintf("provider %q: %s (%s)", e.Provider, e.Message, e.Kind)
	case e.Cause != nil:
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a typed gateway error.
func NewError(kind ErrorKind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// KindOf extracts the error kind from err, classifying plain context
// errors along the way. Unknown errors map to KindUpstream.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUpstream
	}
}

// Retryable reports whether the caller may retry after the error.
// Timeout and Overloaded are transient; the rest require configuration
// or upstream changes.
func Retryable(kind ErrorKind) bool {
	return kind == KindTimeout || kind == KindOverloaded
}

// SanitizedMessage returns the client-safe description for an error
// kind. Raw subprocess output, stack traces and credential fragments
// never reach the client; operators cross-reference the request id in
// the logs for full detail.
func SanitizedMessage(kind ErrorKind) string {
	switch kind {
	case KindNotFound:
		return "no provider is configured for the requested model"
	case KindAllProvidersUnhealthy:
		return "all providers for the requested model are currently unavailable"
	case KindTimeout:
		return "the upstream provider did not respond in time"
	case KindOverloaded:
		return "the provider is at capacity, retry later"
	case KindSandboxFailure:
		return "the provider execution environment failed to start"
	case KindMalformedResponse:
		return "the provider returned an unreadable response"
	case KindConfigurationInvalid:
		return "the provider configuration is invalid"
	case KindCancelled:
		return "the request was cancelled"
	default:
		return "the upstream provider returned an error"
	}
}
