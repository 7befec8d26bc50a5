// Package kernelerr classifies failures of the kernel service and carries them
// across the wire as envelopes. Errors never cross the HTTP boundary as raw
// failures: they are converted with FromError on the server and rebuilt with
// (*Envelope).Err on the client.
package kernelerr

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the canonical classification of a failure.
type Kind string

const (
	KindResponseTooLarge Kind = "ResponseTooLarge"
	KindExecutorTimeout  Kind = "ExecutorTimeout"
	KindInterruptTimeout Kind = "InterruptTimeout"
	KindRemoteExecution  Kind = "RemoteExecutionError"
	KindCancelled        Kind = "CancelledOperation"
	KindUnexpectedSystem Kind = "UnexpectedSystemError"
	KindKernelDeath      Kind = "KernelDeath"
	KindNoActiveSession  Kind = "NoActiveSession"
)

// Error is a failure of one of the known kinds.
type Error struct {
	Kind    Kind
	Message string
	Trace   []string
	// Cause is only set for locally produced errors; it does not survive
	// the wire.
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Cause == nil:
		return e.Message
	case e.Message == "":
		return e.Cause.Error()
	default:
		return e.Message + ": " + e.Cause.Error()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrResponseTooLarge = &Error{Kind: KindResponseTooLarge}
	ErrExecutorTimeout  = &Error{Kind: KindExecutorTimeout}
	ErrInterruptTimeout = &Error{Kind: KindInterruptTimeout}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrUnexpectedSystem = &Error{Kind: KindUnexpectedSystem}
	ErrKernelDeath      = &Error{Kind: KindKernelDeath, Message: "kernel died"}
	ErrNoActiveSession  = &Error{Kind: KindNoActiveSession, Message: "no active kernel session"}
)

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind chaining cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ResponseTooLarge reports an output event that exceeded the size ceiling.
func ResponseTooLarge(size, limit int) *Error {
	return New(KindResponseTooLarge, "response too large: %d bytes (max: %d bytes)", size, limit)
}

// RemoteExecutionError is the catch-all for exception types reported by the
// engine that have no dedicated kind. Type holds the raw type string.
type RemoteExecutionError struct {
	Type    string
	Message string
	Trace   []string
}

func (e *RemoteExecutionError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

// Attribute renders a compact classification of err suitable for a log field
// or metric label, e.g. "UnexpectedSystemError(RemoteExecutionError(Foo))".
func Attribute(err error) string {
	var remote *RemoteExecutionError
	var kerr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &kerr):
		if kerr.Kind == KindUnexpectedSystem && kerr.Cause != nil {
			return fmt.Sprintf("%s(%s)", kerr.Kind, Attribute(kerr.Cause))
		}
		return string(kerr.Kind)
	case errors.As(err, &remote):
		return fmt.Sprintf("%s(%s)", KindRemoteExecution, remote.Type)
	case errors.Is(err, context.DeadlineExceeded):
		return string(KindExecutorTimeout)
	case errors.Is(err, context.Canceled):
		return string(KindCancelled)
	default:
		return fmt.Sprintf("%T", err)
	}
}

// stackTracer is implemented by errors created with github.com/pkg/errors.
type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// traceOf returns the deepest pkg/errors stack found in err's chain.
func traceOf(err error) []string {
	var trace []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			frames := st.StackTrace()
			trace = make([]string, 0, len(frames))
			for _, f := range frames {
				trace = append(trace, fmt.Sprintf("%+v", f))
			}
		}
	}
	return trace
}
