package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// Relay pulls output events from the current session and merges them with
// drained callback records.
type Relay struct {
	manager   *Manager
	buffer    *callbacks.Buffer
	pullLimit int
	log       *zap.Logger
}

// NewRelay returns a Relay draining at most pullLimit records per pull.
func NewRelay(m *Manager, buf *callbacks.Buffer, pullLimit int) *Relay {
	if pullLimit <= 0 {
		pullLimit = callbacks.DefaultPullLimit
	}
	return &Relay{
		manager:   m,
		buffer:    buf,
		pullLimit: pullLimit,
		log:       m.log.With(zap.String("component", "output_relay")),
	}
}

// Pull waits up to timeout for the next output event. A non-positive timeout
// is rejected with protocol.ErrInvalidTimeout before the session is touched;
// every other failure is reported in the response's Error field. Callbacks
// are drained and the status attached whether or not an event arrived.
func (r *Relay) Pull(ctx context.Context, timeout time.Duration) (protocol.PullMessageResponse, error) {
	if timeout <= 0 {
		return protocol.PullMessageResponse{}, fmt.Errorf("%w: got %s", protocol.ErrInvalidTimeout, timeout)
	}

	resp := protocol.PullMessageResponse{MessageType: protocol.TypePullResponse}

	ev, err := r.next(ctx, timeout)
	if err == nil && ev != nil {
		err = checkSize(ev)
	}
	switch {
	case err != nil:
		r.log.Warn("pull failed", zap.String("error_kind", kernelerr.Attribute(err)), zap.Error(err))
		resp.Error = kernelerr.FromError(err)
	case ev != nil:
		resp.Message = &protocol.Message{OutputEvent: ev}
	}

	resp.Callbacks = r.buffer.DrainUpTo(r.pullLimit)
	resp.KernelStatus = r.manager.Status(ctx)
	return resp, nil
}

func (r *Relay) next(ctx context.Context, timeout time.Duration) (ev protocol.OutputEvent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ev = nil
			err = kernelerr.Wrap(kernelerr.KindUnexpectedSystem, pkgerrors.Errorf("panic: %v", rec), "pull failed")
		}
	}()

	sess := r.manager.Current()
	if sess == nil {
		return nil, kernelerr.ErrNoActiveSession
	}

	ev, err = sess.NextOutput(ctx, timeout)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil, kernelerr.Wrap(kernelerr.KindCancelled, err, "pull cancelled")
	}
	return ev, err
}

// checkSize rejects events whose wire encoding exceeds protocol.MaxMessageSize.
func checkSize(ev protocol.OutputEvent) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindUnexpectedSystem, err, "encoding output event")
	}
	if len(data) > protocol.MaxMessageSize {
		return kernelerr.ResponseTooLarge(len(data), protocol.MaxMessageSize)
	}
	return nil
}
