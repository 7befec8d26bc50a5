// Package kernel owns the single live kernel session of a server process.
//
// Manager creates and replaces the session, Gateway submits code to it and
// Relay pulls its output together with recorded callbacks. The engine that
// actually runs code is reached only through the Engine and Session
// interfaces.
package kernel

import (
	"context"
	"time"

	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// Engine starts kernel sessions.
type Engine interface {
	// Create starts a session and returns once it accepts code, or fails
	// after startupTimeout.
	Create(ctx context.Context, startupTimeout time.Duration) (Session, error)
}

// Session is a handle to one running kernel.
type Session interface {
	ID() string
	// Execute submits code and returns the execution id that correlates the
	// output events it produces.
	Execute(ctx context.Context, code string) (string, error)
	// Interrupt asks the kernel to abort the running execution. Best effort.
	Interrupt(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsAlive(ctx context.Context) bool
	// NextOutput waits up to timeout for the next output event. It returns
	// nil, nil if nothing arrived in time.
	NextOutput(ctx context.Context, timeout time.Duration) (protocol.OutputEvent, error)
}

// KernelSession is the process-wide session reference.
type KernelSession struct {
	Session
	CreatedAt time.Time
}
