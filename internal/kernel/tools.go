package kernel

import (
	"context"

	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/protocol"
	"github.com/michaelbrown/kernelbox/internal/storage"
)

// Tools receives what helper functions inside the kernel report: callbacks
// for the relay, helper exceptions and matplotlib image fallbacks. It is fed
// both by the HTTP tool routes and by the engine's own side channel.
type Tools struct {
	buffer  *callbacks.Buffer
	journal journal
	log     *zap.Logger
}

// NewTools returns Tools writing callbacks to buffer. store may be nil.
func NewTools(buffer *callbacks.Buffer, store storage.Store, log *zap.Logger) *Tools {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "kernel_tools"))
	return &Tools{
		buffer:  buffer,
		journal: journal{store: store, log: log},
		log:     log,
	}
}

// Buffer returns the callback buffer drained by the relay.
func (t *Tools) Buffer() *callbacks.Buffer { return t.buffer }

// RecordCallback appends rec. Names outside the allow-list fail with
// callbacks.ErrNotAllowed.
func (t *Tools) RecordCallback(rec callbacks.Record) error {
	return t.buffer.Record(rec)
}

// LogException logs and journals an exception raised by a kernel helper.
func (t *Tools) LogException(ctx context.Context, kernelID string, req protocol.LogExceptionRequest) {
	fields := []zap.Field{
		zap.String("kernel_id", kernelID),
		zap.String("exception_id", req.Exception.ID),
		zap.String("exception_type", req.Exception.Type),
		zap.String("exception_value", req.Exception.Value),
		zap.String("traceback", req.Exception.Traceback),
	}
	details := map[string]any{
		"exception_id":    req.Exception.ID,
		"exception_type":  req.Exception.Type,
		"exception_value": req.Exception.Value,
		"traceback":       req.Exception.Traceback,
	}
	for key, v := range map[string]*string{
		"orig_func_name":   req.OrigFuncName,
		"orig_func_args":   req.OrigFuncArgs,
		"orig_func_kwargs": req.OrigFuncKwargs,
	} {
		if v != nil {
			fields = append(fields, zap.String(key, *v))
			details[key] = *v
		}
	}
	t.log.Error(req.Message, fields...)
	t.journal.record(ctx, storage.Event{
		Kind:     storage.EventToolException,
		KernelID: kernelID,
		Message:  req.Message,
		Details:  details,
	})
}

// LogMatplotlibFallback logs and journals a figure that could not be
// rendered as an image.
func (t *Tools) LogMatplotlibFallback(ctx context.Context, kernelID string, req protocol.LogMatplotlibFallbackRequest) {
	t.log.Warn("matplotlib image fallback",
		zap.String("kernel_id", kernelID),
		zap.String("reason", req.Reason),
		zap.Any("metadata", req.Metadata))
	t.journal.record(ctx, storage.Event{
		Kind:     storage.EventMatplotlibFallback,
		KernelID: kernelID,
		Message:  req.Reason,
		Details:  req.Metadata,
	})
}
