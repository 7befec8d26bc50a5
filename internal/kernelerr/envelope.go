package kernelerr

import (
	"context"
	"errors"
)

// Envelope is the wire representation of an error. It is embedded in
// responses next to the kernel status and is never used as a transport-level
// failure.
type Envelope struct {
	MessageType string   `json:"message_type,omitempty"`
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Traceback   []string `json:"traceback"`
}

const envelopeMessageType = "execute_exception"

// FromError classifies err into an envelope. It returns nil for a nil error.
func FromError(err error) *Envelope {
	if err == nil {
		return nil
	}

	env := &Envelope{
		MessageType: envelopeMessageType,
		Message:     err.Error(),
		Traceback:   traceOf(err),
	}

	var remote *RemoteExecutionError
	var kerr *Error
	switch {
	case errors.As(err, &remote):
		env.Type = remote.Type
		env.Message = remote.Message
		if len(remote.Trace) > 0 {
			env.Traceback = remote.Trace
		}
	case errors.As(err, &kerr):
		env.Type = string(kerr.Kind)
		if len(kerr.Trace) > 0 {
			env.Traceback = kerr.Trace
		}
	case errors.Is(err, context.DeadlineExceeded):
		env.Type = string(KindExecutorTimeout)
	case errors.Is(err, context.Canceled):
		env.Type = string(KindCancelled)
	default:
		env.Type = string(KindUnexpectedSystem)
	}

	if env.Traceback == nil {
		env.Traceback = []string{}
	}
	return env
}

// known is the fixed mapping from wire type to kind. Anything else is
// rebuilt as a RemoteExecutionError so newer engines can report new types.
var known = map[string]Kind{
	string(KindResponseTooLarge): KindResponseTooLarge,
	string(KindExecutorTimeout):  KindExecutorTimeout,
	string(KindInterruptTimeout): KindInterruptTimeout,
	string(KindCancelled):        KindCancelled,
	string(KindUnexpectedSystem): KindUnexpectedSystem,
	string(KindKernelDeath):      KindKernelDeath,
	string(KindNoActiveSession):  KindNoActiveSession,
}

// Err rebuilds the error described by the envelope. A nil envelope yields nil.
func (e *Envelope) Err() error {
	if e == nil {
		return nil
	}
	if kind, ok := known[e.Type]; ok {
		return &Error{Kind: kind, Message: e.Message, Trace: e.Traceback}
	}
	return &RemoteExecutionError{Type: e.Type, Message: e.Message, Trace: e.Traceback}
}
