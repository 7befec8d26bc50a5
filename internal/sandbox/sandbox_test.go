package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	infinity "github.com/Code-Hex/go-infinity-channel"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/config"
	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

func TestPolicyIsImageAllowed(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		image string
		want  bool
	}{
		{"python:3.12-slim", true},
		{"python:3.11-slim", true},
		{"ubuntu:latest", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.IsImageAllowed(tt.image); got != tt.want {
			t.Errorf("IsImageAllowed(%q) = %v, want %v", tt.image, got, tt.want)
		}
	}
}

func TestPolicyMemoryBytes(t *testing.T) {
	tests := []struct {
		limit   string
		want    int64
		wantErr bool
	}{
		{"1g", 1 << 30, false},
		{"256m", 256 << 20, false},
		{"", 0, false},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := Policy{MaxMemory: tt.limit}.MemoryBytes()
		if (err != nil) != tt.wantErr {
			t.Errorf("MemoryBytes(%q) error = %v, wantErr %v", tt.limit, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("MemoryBytes(%q) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.SandboxConfig{
		Image:     "python:3.11-slim",
		Images:    []string{"python:3.11-slim"},
		MaxMemory: "512m",
		Network:   true,
		Workdir:   "/work",
	})
	want := Policy{
		Image:     "python:3.11-slim",
		Images:    []string{"python:3.11-slim"},
		MaxMemory: "512m",
		Network:   true,
		Workdir:   "/work",
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("policy mismatch (-want +got):\n%s", diff)
	}
}

func TestDriverMessageEvents(t *testing.T) {
	parent := protocol.ParentHeader{MsgID: "e1", Version: protocol.ProtocolVersion}

	tests := []struct {
		name string
		line string
		want []protocol.OutputEvent
	}{
		{
			name: "ready",
			line: `{"type":"ready","pid":42}`,
			want: nil,
		},
		{
			name: "busy",
			line: `{"type":"busy","id":"e1","code":"1+1"}`,
			want: []protocol.OutputEvent{
				&protocol.StatusEvent{ParentHeader: parent, ExecutionState: protocol.StateBusy},
				&protocol.ExecuteInputEvent{ParentHeader: parent, Code: "1+1"},
			},
		},
		{
			name: "stream",
			line: `{"type":"stream","id":"e1","name":"stderr","text":"warn\n"}`,
			want: []protocol.OutputEvent{
				&protocol.StreamEvent{ParentHeader: parent, Name: protocol.Stderr, Text: "warn\n"},
			},
		},
		{
			name: "result",
			line: `{"type":"result","id":"e1","data":{"text/plain":"2"}}`,
			want: []protocol.OutputEvent{
				&protocol.ExecuteResultEvent{ParentHeader: parent, Data: protocol.MimeBundle{"text/plain": "2"}},
			},
		},
		{
			name: "display",
			line: `{"type":"display","id":"e1","data":{"text/html":"<b>x</b>"}}`,
			want: []protocol.OutputEvent{
				&protocol.DisplayDataEvent{ParentHeader: parent, Data: protocol.MimeBundle{"text/html": "<b>x</b>"}},
			},
		},
		{
			name: "error",
			line: `{"type":"error","id":"e1","ename":"ZeroDivisionError","evalue":"division by zero"}`,
			want: []protocol.OutputEvent{
				&protocol.ErrorEvent{ParentHeader: parent, EName: "ZeroDivisionError", EValue: "division by zero", Traceback: []string{}},
			},
		},
		{
			name: "done",
			line: `{"type":"done","id":"e1"}`,
			want: []protocol.OutputEvent{
				&protocol.StatusEvent{ParentHeader: parent, ExecutionState: protocol.StateIdle},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseDriverLine([]byte(tt.line))
			if err != nil {
				t.Fatal(err)
			}
			got, err := msg.events()
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDriverMessageRejectsUnknown(t *testing.T) {
	for _, line := range []string{
		`{"type":"shutdown","id":"e1"}`,
		`{"type":"stream","id":"e1","name":"stdlog","text":"x"}`,
	} {
		msg, err := parseDriverLine([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := msg.events(); err == nil {
			t.Errorf("events(%s) should fail", line)
		}
	}
	if _, err := parseDriverLine([]byte("not json")); err == nil {
		t.Error("parseDriverLine should reject invalid JSON")
	}
}

func TestDriverMessageHelperReports(t *testing.T) {
	msg, err := parseDriverLine([]byte(`{"type":"callback","id":"e1","name":"display_dataframe_to_user","args":["sales"],"kwargs":{"shape":[3,2]}}`))
	if err != nil {
		t.Fatal(err)
	}
	wantRec := callbacks.Record{
		Name:   "display_dataframe_to_user",
		Args:   []any{"sales"},
		Kwargs: map[string]any{"shape": []any{float64(3), float64(2)}},
	}
	if diff := cmp.Diff(wantRec, msg.callbackRecord()); diff != "" {
		t.Errorf("callback mismatch (-want +got):\n%s", diff)
	}

	msg, err = parseDriverLine([]byte(`{"type":"log_exception","id":"e1","message":"display_chart_to_user failed",` +
		`"exception":{"id":"x1","type":"ValueError","value":"bad","traceback":"Traceback..."},` +
		`"orig_func_name":"display_chart_to_user","orig_func_args":"('c',)","orig_func_kwargs":"{}"}`))
	if err != nil {
		t.Fatal(err)
	}
	name, args, kwargs := "display_chart_to_user", "('c',)", "{}"
	wantExc := protocol.LogExceptionRequest{
		Message:        "display_chart_to_user failed",
		Exception:      protocol.SerializedException{ID: "x1", Type: "ValueError", Value: "bad", Traceback: "Traceback..."},
		OrigFuncName:   &name,
		OrigFuncArgs:   &args,
		OrigFuncKwargs: &kwargs,
	}
	if diff := cmp.Diff(wantExc, msg.logException()); diff != "" {
		t.Errorf("log_exception mismatch (-want +got):\n%s", diff)
	}

	msg, err = parseDriverLine([]byte(`{"type":"matplotlib_fallback","id":"e1","reason":"no backend","metadata":{"name":"fig"}}`))
	if err != nil {
		t.Fatal(err)
	}
	wantFallback := protocol.LogMatplotlibFallbackRequest{Reason: "no backend", Metadata: map[string]any{"name": "fig"}}
	if diff := cmp.Diff(wantFallback, msg.matplotlibFallback()); diff != "" {
		t.Errorf("matplotlib_fallback mismatch (-want +got):\n%s", diff)
	}
}

type fakeSink struct {
	records    []callbacks.Record
	exceptions []string
	fallbacks  []string
	kernelIDs  []string
}

func (f *fakeSink) RecordCallback(rec callbacks.Record) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) LogException(_ context.Context, kernelID string, req protocol.LogExceptionRequest) {
	f.exceptions = append(f.exceptions, req.Exception.Type)
	f.kernelIDs = append(f.kernelIDs, kernelID)
}

func (f *fakeSink) LogMatplotlibFallback(_ context.Context, kernelID string, req protocol.LogMatplotlibFallbackRequest) {
	f.fallbacks = append(f.fallbacks, req.Reason)
	f.kernelIDs = append(f.kernelIDs, kernelID)
}

func TestSessionRoutesHelperReports(t *testing.T) {
	sink := &fakeSink{}
	s := &containerSession{
		id:     "k1",
		tools:  sink,
		log:    zaptest.NewLogger(t),
		events: infinity.NewChannel[protocol.OutputEvent](),
		ready:  make(chan int, 1),
	}

	for _, line := range []string{
		`{"type":"ready","pid":7}`,
		`{"type":"callback","id":"e1","name":"display_chart_to_user","args":["c"],"kwargs":{}}`,
		`{"type":"log_exception","id":"e1","message":"failed","exception":{"type":"KeyError"}}`,
		`{"type":"matplotlib_fallback","id":"e1","reason":"no backend"}`,
		`{"type":"driver_error","error":"JSONDecodeError: bad line"}`,
		`{"type":"done","id":"e1"}`,
	} {
		msg, err := parseDriverLine([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		s.handle(msg)
	}
	s.events.Close()

	if got := s.pid.Load(); got != 7 {
		t.Errorf("pid = %d, want 7", got)
	}
	if len(sink.records) != 1 || sink.records[0].Name != "display_chart_to_user" {
		t.Errorf("records = %v", sink.records)
	}
	if diff := cmp.Diff([]string{"KeyError"}, sink.exceptions); diff != "" {
		t.Errorf("exceptions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"no backend"}, sink.fallbacks); diff != "" {
		t.Errorf("fallbacks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"k1", "k1"}, sink.kernelIDs); diff != "" {
		t.Errorf("kernel ids mismatch (-want +got):\n%s", diff)
	}

	// Only the done status reaches the output stream.
	var got []protocol.OutputEvent
	for ev := range s.events.Out() {
		got = append(got, ev)
	}
	want := []protocol.OutputEvent{&protocol.StatusEvent{
		ParentHeader:   protocol.ParentHeader{MsgID: "e1", Version: protocol.ProtocolVersion},
		ExecutionState: protocol.StateIdle,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionWithoutSinkDropsHelperReports(t *testing.T) {
	s := &containerSession{
		id:     "k1",
		log:    zaptest.NewLogger(t),
		events: infinity.NewChannel[protocol.OutputEvent](),
		ready:  make(chan int, 1),
	}
	msg, err := parseDriverLine([]byte(`{"type":"callback","name":"display_chart_to_user"}`))
	if err != nil {
		t.Fatal(err)
	}
	s.handle(msg)
	s.events.Close()
	if _, ok := <-s.events.Out(); ok {
		t.Error("callback should not become an output event")
	}
}

func TestDriverSourceInstallsHelpers(t *testing.T) {
	for _, want := range []string{
		"def display_dataframe_to_user(",
		"def display_chart_to_user(",
		"def display_matplotlib_image_to_user(",
		`"display_dataframe_to_user": display_dataframe_to_user`,
		`"type": "callback"`,
		`"type": "log_exception"`,
		`"type": "matplotlib_fallback"`,
	} {
		if !strings.Contains(driverSource, want) {
			t.Errorf("driver source missing %q", want)
		}
	}
}

func TestDriverSourceSurvivesStrayInterrupt(t *testing.T) {
	// SIGINT can land between cells; the read loop must keep going and a
	// started execution must still report done.
	for _, want := range []string{
		"        except KeyboardInterrupt:\n            pass\n",
		"        finally:\n            _finish()\n",
		"    while _id is not None:\n",
	} {
		if !strings.Contains(driverSource, want) {
			t.Errorf("driver main loop missing %q", want)
		}
	}
}

// TestDockerKernel runs a real kernel. It needs a Docker daemon and the
// python image, so it only runs when KERNELBOX_DOCKER_TESTS is set.
func TestDockerKernel(t *testing.T) {
	if os.Getenv("KERNELBOX_DOCKER_TESTS") == "" {
		t.Skip("set KERNELBOX_DOCKER_TESTS=1 to run against a Docker daemon")
	}

	tools := kernel.NewTools(callbacks.NewBuffer(10), nil, zaptest.NewLogger(t))
	engine, err := NewDockerEngine(DefaultPolicy(), tools, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.Ping(ctx); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	sess, err := engine.Create(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sess.Shutdown(ctx)

	if !sess.IsAlive(ctx) {
		t.Fatal("new kernel should be alive")
	}

	run := func(code string) []protocol.OutputEvent {
		t.Helper()
		id, err := sess.Execute(ctx, code)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		var evs []protocol.OutputEvent
		for {
			ev, err := sess.NextOutput(ctx, 30*time.Second)
			if err != nil {
				t.Fatalf("NextOutput: %v", err)
			}
			if ev == nil {
				t.Fatal("timed out waiting for output")
			}
			evs = append(evs, ev)
			if protocol.IsIdleFor(ev, id) {
				return evs
			}
		}
	}

	run("x = 20")
	var result string
	var stdout strings.Builder
	for _, ev := range run("print('hello')\nx * 2 + 2") {
		switch ev := ev.(type) {
		case *protocol.ExecuteResultEvent:
			result = ev.Data["text/plain"]
		case *protocol.StreamEvent:
			stdout.WriteString(ev.Text)
		}
	}
	if result != "42" {
		t.Errorf("result = %q, want 42 (state should persist across cells)", result)
	}
	if stdout.String() != "hello\n" {
		t.Errorf("stdout = %q", stdout.String())
	}

	var ename string
	for _, ev := range run("1/0") {
		if e, ok := ev.(*protocol.ErrorEvent); ok {
			ename = e.EName
		}
	}
	if ename != "ZeroDivisionError" {
		t.Errorf("ename = %q, want ZeroDivisionError", ename)
	}

	run("display_chart_to_user('revenue')")
	recs := tools.Buffer().DrainUpTo(10)
	if len(recs) != 1 || recs[0].Name != "display_chart_to_user" {
		t.Errorf("callbacks = %v, want one display_chart_to_user", recs)
	}

	// A SIGINT between cells must not kill the driver.
	if err := sess.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	run("x")
	if !sess.IsAlive(ctx) {
		t.Error("kernel should survive an idle interrupt")
	}

	if err := sess.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sess.IsAlive(ctx) {
		t.Error("kernel should not be alive after Shutdown")
	}
}
