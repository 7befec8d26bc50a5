package kernel_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/kernel/kerneltest"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

func TestPullRejectsInvalidTimeout(t *testing.T) {
	m, engine := startedManager(t)
	r := kernel.NewRelay(m, callbacks.NewBuffer(10), 10)

	for _, timeout := range []time.Duration{0, -time.Second} {
		_, err := r.Pull(context.Background(), timeout)
		if !errors.Is(err, protocol.ErrInvalidTimeout) {
			t.Errorf("Pull(%s) = %v, want ErrInvalidTimeout", timeout, err)
		}
	}
	if got := engine.Sessions()[0].Pulls(); got != 0 {
		t.Errorf("engine was contacted %d times", got)
	}
}

func TestPullRelaysExecutionUntilIdle(t *testing.T) {
	m, _ := startedManager(t)
	g := kernel.NewGateway(m, time.Second)
	r := kernel.NewRelay(m, callbacks.NewBuffer(10), 10)

	exec := g.Execute(context.Background(), "print('hi')")
	if exec.Error != nil {
		t.Fatal(exec.Error)
	}

	var got []protocol.MsgType
	for i := 0; i < 10; i++ {
		resp, err := r.Pull(context.Background(), 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Error != nil {
			t.Fatalf("pull error: %+v", resp.Error)
		}
		ev := resp.Event()
		if ev == nil {
			continue
		}
		if ev.Parent().MsgID != exec.CodeMessageID {
			t.Errorf("event parent = %q, want %q", ev.Parent().MsgID, exec.CodeMessageID)
		}
		got = append(got, ev.Type())
		if protocol.IsIdleFor(ev, exec.CodeMessageID) {
			break
		}
	}

	want := []protocol.MsgType{protocol.MsgStatus, protocol.MsgExecuteInput, protocol.MsgStream, protocol.MsgStatus}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("relayed events mismatch (-want +got):\n%s", diff)
	}
}

func TestPullTimeoutIsSoft(t *testing.T) {
	m, _ := startedManager(t)
	r := kernel.NewRelay(m, callbacks.NewBuffer(10), 10)

	resp, err := r.Pull(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message != nil || resp.Error != nil {
		t.Errorf("resp = %+v, want empty", resp)
	}
	if resp.KernelStatus != protocol.StatusRunning {
		t.Errorf("status = %s", resp.KernelStatus)
	}
	if resp.Callbacks == nil {
		t.Error("callbacks should be an empty slice, not nil")
	}
}

func TestPullDrainsCallbacksFIFO(t *testing.T) {
	m, _ := startedManager(t)
	buf := callbacks.NewBuffer(100)
	r := kernel.NewRelay(m, buf, 3)

	for i := 0; i < 7; i++ {
		if err := buf.Record(callbacks.Record{Name: callbacks.DisplayChart, Args: []any{float64(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	var order []any
	var sizes []int
	for i := 0; i < 4; i++ {
		resp, err := r.Pull(context.Background(), time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(resp.Callbacks))
		for _, rec := range resp.Callbacks {
			order = append(order, rec.Args[0])
		}
	}

	if diff := cmp.Diff([]int{3, 3, 1, 0}, sizes); diff != "" {
		t.Errorf("batch sizes (-want +got):\n%s", diff)
	}
	want := []any{0.0, 1.0, 2.0, 3.0, 4.0, 5.0, 6.0}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("drain order (-want +got):\n%s", diff)
	}
}

func TestPullSizeCeiling(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		wantDrop bool
	}{
		{"9 MiB passes", 9 << 20, false},
		{"11 MiB rejected", 11 << 20, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, engine := startedManager(t)
			buf := callbacks.NewBuffer(10)
			if err := buf.Record(callbacks.Record{Name: callbacks.DisplayDataframe}); err != nil {
				t.Fatal(err)
			}
			r := kernel.NewRelay(m, buf, 10)

			ev := &protocol.StreamEvent{
				ParentHeader: protocol.ParentHeader{MsgID: "exec-1"},
				Name:         protocol.Stdout,
				Text:         strings.Repeat("a", tt.size),
			}
			engine.Sessions()[0].Emit(ev)

			resp, err := r.Pull(context.Background(), time.Second)
			if err != nil {
				t.Fatal(err)
			}

			if tt.wantDrop {
				if resp.Message != nil {
					t.Error("oversized event was relayed")
				}
				if !errors.Is(resp.Err(), kernelerr.ErrResponseTooLarge) {
					t.Errorf("error = %+v, want ResponseTooLarge", resp.Error)
				}
			} else {
				if resp.Error != nil {
					t.Fatalf("unexpected error: %+v", resp.Error)
				}
				if resp.Event() != protocol.OutputEvent(ev) {
					t.Error("event was not passed through unchanged")
				}
			}
			if len(resp.Callbacks) != 1 {
				t.Errorf("callbacks = %d, want 1 regardless of event outcome", len(resp.Callbacks))
			}
		})
	}
}

func TestPullWithoutSession(t *testing.T) {
	m := newManager(t, kerneltest.NewEngine(nil), nil)
	buf := callbacks.NewBuffer(10)
	if err := buf.Record(callbacks.Record{Name: callbacks.DisplayChart}); err != nil {
		t.Fatal(err)
	}
	r := kernel.NewRelay(m, buf, 10)

	resp, err := r.Pull(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Type != string(kernelerr.KindNoActiveSession) {
		t.Errorf("error = %+v, want NoActiveSession", resp.Error)
	}
	if resp.KernelStatus != protocol.StatusStarting {
		t.Errorf("status = %s, want starting", resp.KernelStatus)
	}
	if len(resp.Callbacks) != 1 {
		t.Errorf("callbacks = %d, want 1", len(resp.Callbacks))
	}
}

func TestPullCancelled(t *testing.T) {
	m, _ := startedManager(t)
	r := kernel.NewRelay(m, callbacks.NewBuffer(10), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := r.Pull(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Type != string(kernelerr.KindCancelled) {
		t.Errorf("error = %+v, want CancelledOperation", resp.Error)
	}
}

func TestPullReportsDeadKernel(t *testing.T) {
	m, engine := startedManager(t)
	engine.Sessions()[0].Kill()
	r := kernel.NewRelay(m, callbacks.NewBuffer(10), 10)

	resp, err := r.Pull(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if resp.KernelStatus != protocol.StatusDead {
		t.Errorf("status = %s, want dead", resp.KernelStatus)
	}
	if !errors.Is(resp.Err(), kernelerr.ErrKernelDeath) {
		t.Errorf("Err() = %v, want KernelDeath escalation", resp.Err())
	}
}
