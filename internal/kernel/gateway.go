package kernel

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
	"github.com/michaelbrown/kernelbox/internal/storage"
)

// Gateway submits code to, and interrupts, whichever session is current.
type Gateway struct {
	manager          *Manager
	interruptTimeout time.Duration
	log              *zap.Logger
}

// NewGateway returns a Gateway bound to m. A non-positive interruptTimeout
// defaults to 10s.
func NewGateway(m *Manager, interruptTimeout time.Duration) *Gateway {
	if interruptTimeout <= 0 {
		interruptTimeout = 10 * time.Second
	}
	return &Gateway{
		manager:          m,
		interruptTimeout: interruptTimeout,
		log:              m.log.With(zap.String("component", "execution_gateway")),
	}
}

// Execute submits code and returns the execution id. It never fails: engine
// errors, panics and a missing session are reported in the response's
// Error field alongside the current status.
func (g *Gateway) Execute(ctx context.Context, code string) (resp protocol.ExecuteResponse) {
	resp.MessageType = protocol.TypeExecuteResponse
	defer func() {
		if r := recover(); r != nil {
			err := kernelerr.Wrap(kernelerr.KindUnexpectedSystem, pkgerrors.Errorf("panic: %v", r), "execute failed")
			g.log.Error("execute panicked", zap.Any("panic", r))
			resp.CodeMessageID = ""
			resp.Error = kernelerr.FromError(err)
			resp.KernelStatus = g.manager.Status(ctx)
		}
	}()

	sess := g.manager.Current()
	if sess == nil {
		resp.Error = kernelerr.FromError(kernelerr.ErrNoActiveSession)
		resp.KernelStatus = g.manager.Status(ctx)
		return resp
	}

	id, err := sess.Execute(ctx, code)
	if err != nil {
		g.log.Warn("execute failed",
			zap.String("kernel_id", sess.ID()),
			zap.String("error_kind", kernelerr.Attribute(err)),
			zap.Error(err))
		resp.Error = kernelerr.FromError(err)
	} else {
		resp.CodeMessageID = id
	}
	resp.KernelStatus = g.manager.Status(ctx)
	return resp
}

// Interrupt interrupts the running execution, waiting at most the interrupt
// timeout. A timeout is reported as an InterruptTimeout error.
func (g *Gateway) Interrupt(ctx context.Context) error {
	sess := g.manager.Current()
	if sess == nil {
		return kernelerr.ErrNoActiveSession
	}

	ictx, cancel := context.WithTimeout(ctx, g.interruptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pkgerrors.Errorf("interrupt panicked: %v", r)
			}
		}()
		done <- sess.Interrupt(ictx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ictx.Done():
		err = ictx.Err()
	}

	switch {
	case err == nil:
		g.log.Info("kernel interrupted", zap.String("kernel_id", sess.ID()))
		g.manager.journal.record(ctx, storage.Event{
			Kind:     storage.EventKernelInterrupted,
			KernelID: sess.ID(),
			Message:  "kernel interrupted",
		})
		return nil
	case ctx.Err() != nil:
		return kernelerr.Wrap(kernelerr.KindCancelled, ctx.Err(), "interrupt cancelled")
	case ictx.Err() != nil:
		g.log.Warn("interrupt timed out", zap.String("kernel_id", sess.ID()), zap.Duration("timeout", g.interruptTimeout))
		return kernelerr.New(kernelerr.KindInterruptTimeout, "interrupt did not complete within %s", g.interruptTimeout)
	default:
		g.log.Warn("interrupt failed", zap.String("kernel_id", sess.ID()), zap.Error(err))
		return pkgerrors.Wrap(err, "interrupting kernel")
	}
}
