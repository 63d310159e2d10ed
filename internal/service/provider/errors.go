// Package provider defines the error taxonomy shared by every speech provider,
// adapter and coordinator.
package provider

import (
	"context"
	"errors"
	"fmt"

	"ai-speech-failover-service/internal/models"
)

// Kind tells a coordinator whether retrying a failed operation may help.
type Kind int

const (
	// KindTransient covers timeouts, connection resets, throttling.
	KindTransient Kind = iota
	// KindPermanent covers bad credentials and malformed requests.
	KindPermanent
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Sentinel errors.
var (
	// ErrInvalidState is returned when a session operation is not legal in
	// the session's current state (e.g. push after close).
	ErrInvalidState = errors.New("invalid session state")

	// ErrCancelled is returned when the caller cancelled the request.
	ErrCancelled = errors.New("request cancelled")

	// ErrStreamingUnsupported is returned by providers that only implement
	// single-shot operations.
	ErrStreamingUnsupported = errors.New("streaming not supported by provider")
)

// Error is a failure reported by a provider.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	prefix := e.Kind.String() + " provider error"
	if e.Provider != "" {
		prefix += " (" + e.Provider + ")"
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a transient provider error.
func Transient(label, message string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: label, Message: message, Err: err}
}

// Permanent builds a permanent provider error.
func Permanent(label, message string, err error) *Error {
	return &Error{Kind: KindPermanent, Provider: label, Message: message, Err: err}
}

// ExhaustedError is returned once every provider of a coordinator failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// InvalidState wraps ErrInvalidState with the operation and state names.
func InvalidState(op string, state fmt.Stringer) error {
	return fmt.Errorf("%s in state %s: %w", op, state, ErrInvalidState)
}

// KindOf reports the retry kind of err. Errors that carry no kind are
// treated as transient; a context deadline is a timeout and thus transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrStreamingUnsupported) || errors.Is(err, ErrInvalidState) {
		return KindPermanent
	}
	return KindTransient
}

// IsCancelled reports whether err denotes caller cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Classify maps the result of one attempt to an Outcome. parent is the
// caller's context: once it is done the attempt counts as cancelled no
// matter what the provider returned.
func Classify(parent context.Context, err error) models.Outcome {
	if err == nil {
		return models.OutcomeSuccess
	}
	if parent.Err() != nil || errors.Is(err, ErrCancelled) {
		return models.OutcomeCancelled
	}
	if KindOf(err) == KindPermanent {
		return models.OutcomePermanentError
	}
	return models.OutcomeTransientError
}

// Cancelled returns ErrCancelled joined with the context's cause.
func Cancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
	return ErrCancelled
}
