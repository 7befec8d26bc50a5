// Package sandbox runs kernels in Docker containers.
//
// Each kernel is a long-lived container running `sleep infinity` plus a
// Python driver process attached through docker exec. The driver reads one
// JSON request per line on stdin and writes JSON lines on stdout, which the
// session turns into output events. Kernel containers have no network, so
// the helper functions defined in the kernel (display_dataframe_to_user and
// friends) report callbacks and failures on the same stdout stream, and the
// session hands them to a ToolSink.
package sandbox

import (
	"context"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

const (
	// LabelManaged marks containers created by kernelbox.
	LabelManaged = "kernelbox.managed"
	// LabelKernelID holds the kernel id of a container.
	LabelKernelID = "kernelbox.kernel-id"

	containerPrefix = "kernelbox-"
)

// ToolSink receives what kernel helpers report. *kernel.Tools implements it.
type ToolSink interface {
	RecordCallback(rec callbacks.Record) error
	LogException(ctx context.Context, kernelID string, req protocol.LogExceptionRequest)
	LogMatplotlibFallback(ctx context.Context, kernelID string, req protocol.LogMatplotlibFallbackRequest)
}
