// Package buserr provides the structured error taxonomy used across
// redisbus's components: transport failures, decode failures, unknown
// commands, handler panics, streaming failures, and client timeouts.
// Each is tagged with a Class so callers can decide whether to recover
// locally or surface the error as a reply envelope.
package buserr

import (
	"errors"
	"fmt"
)

// Class categorizes an error by how the caller should react to it.
type Class string

const (
	// ClassTransport marks a Redis call failure. Queue, Monitor, and
	// Subscription recover from these locally; they never propagate to
	// a handler.
	ClassTransport Class = "transport"

	// ClassDecode marks malformed JSON read from a list or channel. It
	// is always logged and dropped, never delivered to a handler.
	ClassDecode Class = "decode"

	// ClassUnknownCommand marks a dispatch miss: no handler is
	// registered for the requested command name.
	ClassUnknownCommand Class = "unknown_command"

	// ClassHandlerPanic marks a handler that returned an error or
	// panicked while executing.
	ClassHandlerPanic Class = "handler_panic"

	// ClassStreamingFailure marks an error raised mid-iteration of a
	// streamed reply.
	ClassStreamingFailure Class = "streaming_failure"

	// ClassClientTimeout marks a PerformRPC deadline reached before the
	// expected number of replies arrived.
	ClassClientTimeout Class = "client_timeout"
)

// Error is a structured, wrappable error carrying a Class for callers
// that need to branch on error kind instead of matching message text.
type Error struct {
	Class   Class
	Op      string
	Message string
	Cause   error
}

// New creates an Error of the given class for operation op.
func New(class Class, op, message string) *Error {
	return &Error{Class: class, Op: op, Message: message}
}

// Wrap creates an Error of the given class, recording cause as the
// underlying error.
func Wrap(class Class, op string, cause error) *Error {
	return &Error{Class: class, Op: op, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Class, so callers
// can write errors.Is(err, buserr.New(buserr.ClassTransport, "", "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Class == e.Class
}

// ClassOf returns the Class of err if it is (or wraps) a *Error, and
// false otherwise.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}
