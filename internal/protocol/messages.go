// Package protocol defines the request and response bodies exchanged with the
// kernel server, the kernel status enum and the output event union.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
)

// MaxMessageSize is the largest serialized output event the relay forwards.
const MaxMessageSize = 10 * 1024 * 1024

// ErrInvalidTimeout is returned for a pull timeout that is not positive.
var ErrInvalidTimeout = errors.New("timeout must be a positive value")

type GetStatusResponse struct {
	MessageType  string       `json:"message_type"`
	KernelStatus KernelStatus `json:"kernel_status"`
	Version      string       `json:"version,omitempty"`
}

type ExecuteRequest struct {
	MessageType string `json:"message_type,omitempty"`
	Code        string `json:"code"`
}

type ExecuteResponse struct {
	MessageType   string              `json:"message_type"`
	CodeMessageID string              `json:"code_message_id"`
	Error         *kernelerr.Envelope `json:"error"`
	KernelStatus  KernelStatus        `json:"kernel_status"`
}

// Err raises the embedded error, and escalates a dead kernel even when no
// error was reported.
func (r *ExecuteResponse) Err() error {
	return raise(r.Error, r.KernelStatus)
}

type PullMessageRequest struct {
	MessageType string  `json:"message_type,omitempty"`
	Timeout     float64 `json:"timeout"`
}

// Validate checks the timeout is a positive, finite number of seconds.
func (r PullMessageRequest) Validate() error {
	if !(r.Timeout > 0) || math.IsInf(r.Timeout, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidTimeout, r.Timeout)
	}
	return nil
}

// Duration converts the timeout in seconds to a time.Duration, saturating
// at the largest representable duration.
func (r PullMessageRequest) Duration() time.Duration {
	if r.Timeout >= float64(math.MaxInt64)/float64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(r.Timeout * float64(time.Second))
}

type PullMessageResponse struct {
	MessageType  string              `json:"message_type"`
	Message      *Message            `json:"message"`
	Callbacks    []callbacks.Record  `json:"callbacks"`
	Error        *kernelerr.Envelope `json:"error"`
	KernelStatus KernelStatus        `json:"kernel_status"`
}

// Err raises the embedded error, and escalates a dead kernel even when no
// error was reported.
func (r *PullMessageResponse) Err() error {
	return raise(r.Error, r.KernelStatus)
}

// Event returns the relayed event, or nil if none arrived.
func (r *PullMessageResponse) Event() OutputEvent {
	if r.Message == nil {
		return nil
	}
	return r.Message.OutputEvent
}

func raise(env *kernelerr.Envelope, status KernelStatus) error {
	if err := env.Err(); err != nil {
		return err
	}
	if status == StatusDead {
		return kernelerr.ErrKernelDeath
	}
	return nil
}

type CallbackRequest struct {
	MessageType string         `json:"message_type,omitempty"`
	Name        string         `json:"name"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
}

// SerializedException describes an exception raised by a helper function
// running inside the kernel.
type SerializedException struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

type LogExceptionRequest struct {
	Message        string              `json:"message"`
	Exception      SerializedException `json:"exception"`
	OrigFuncName   *string             `json:"orig_func_name,omitempty"`
	OrigFuncArgs   *string             `json:"orig_func_args,omitempty"`
	OrigFuncKwargs *string             `json:"orig_func_kwargs,omitempty"`
}

type LogMatplotlibFallbackRequest struct {
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message type tags carried in response bodies.
const (
	TypeKernelStatus    = "jupyter_kernel_status"
	TypeExecuteResponse = "execute_response"
	TypePullResponse    = "pull_message_response"
)
