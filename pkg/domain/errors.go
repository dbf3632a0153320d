package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding whether to fix input, look
// up a different reference, wait, or retry.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindGeneration Kind = "generation"
	KindConnection Kind = "connection"
	// KindInternal is reported for errors that carry no Kind (e.g. a failing disk).
	KindInternal Kind = "internal"
)

// Error is the typed error surfaced by the core. Message is safe to show to a
// client; it never contains provider credentials.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: KindConflict}) match by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func Generationf(format string, args ...any) *Error {
	return newError(KindGeneration, format, args...)
}

func Connectionf(format string, args ...any) *Error {
	return newError(KindConnection, format, args...)
}

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

var (
	// ErrTurnInProgress is returned when a conversation already has a turn in flight.
	ErrTurnInProgress = &Error{Kind: KindConflict, Message: "turn already in progress"}
	// ErrTooFewParticipants is returned when a conversation has fewer than two agents.
	ErrTooFewParticipants = &Error{Kind: KindValidation, Message: "a conversation needs at least 2 agents"}
)

// KindOf reports the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether resubmitting the same request may succeed.
// Only generation failures qualify: they never leave partial state behind.
func IsRetryable(err error) bool {
	return IsKind(err, KindGeneration)
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// SafeMessage returns the client-facing message for err. Typed errors are
// built from scrubbed causes and are shown in full; anything else is hidden.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "internal error"
}
