// Package kerneltest provides a scriptable in-memory kernel engine for tests.
package kerneltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// ErrShutdown is returned by a Session after Shutdown.
var ErrShutdown = errors.New("kerneltest: session shut down")

// Script produces the events emitted for one execution.
type Script func(id, code string) []protocol.OutputEvent

// Echo emits busy, execute_input, the code on stdout and idle.
func Echo(id, code string) []protocol.OutputEvent {
	parent := protocol.ParentHeader{MsgID: id, Version: protocol.ProtocolVersion}
	return []protocol.OutputEvent{
		&protocol.StatusEvent{ParentHeader: parent, ExecutionState: protocol.StateBusy},
		&protocol.ExecuteInputEvent{ParentHeader: parent, Code: code},
		&protocol.StreamEvent{ParentHeader: parent, Name: protocol.Stdout, Text: code},
		&protocol.StatusEvent{ParentHeader: parent, ExecutionState: protocol.StateIdle},
	}
}

// Engine is a kernel.Engine whose sessions live in memory.
type Engine struct {
	mu       sync.Mutex
	failures []error
	gate     chan struct{}
	sessions []*Session
	script   Script

	creates atomic.Int32
}

var _ kernel.Engine = (*Engine)(nil)

// NewEngine returns an Engine whose sessions run script, or Echo if nil.
func NewEngine(script Script) *Engine {
	if script == nil {
		script = Echo
	}
	return &Engine{script: script}
}

// FailNext makes the next len(errs) Create calls fail with errs in order.
func (e *Engine) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

// Block makes Create wait until the returned release function is called.
func (e *Engine) Block() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.gate == gate {
				e.gate = nil
			}
			e.mu.Unlock()
			close(gate)
		})
	}
}

func (e *Engine) Create(ctx context.Context, startupTimeout time.Duration) (kernel.Session, error) {
	n := e.creates.Add(1)

	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.failures) > 0 {
		err := e.failures[0]
		e.failures = e.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	s := &Session{
		id:     fmt.Sprintf("kernel-%d", n),
		script: e.script,
		events: make(chan protocol.OutputEvent, 1024),
		done:   make(chan struct{}),
	}
	s.alive.Store(true)
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Creates returns the number of Create calls, including failed ones.
func (e *Engine) Creates() int {
	return int(e.creates.Load())
}

// Sessions returns every session created so far, oldest first.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session is an in-memory kernel.Session.
type Session struct {
	id     string
	script Script
	events chan protocol.OutputEvent
	done   chan struct{}
	seq    atomic.Int32

	alive      atomic.Bool
	shutdowns  atomic.Int32
	interrupts atomic.Int32
	pulls      atomic.Int32

	mu            sync.Mutex
	executeErr    error
	executePanic  any
	interruptWait chan struct{}
	shutdownErr   error
	closeOnce     sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) Execute(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	err, p := s.executeErr, s.executePanic
	s.mu.Unlock()
	if p != nil {
		panic(p)
	}
	if err != nil {
		return "", err
	}
	if !s.alive.Load() {
		return "", ErrShutdown
	}

	id := fmt.Sprintf("%s-exec-%d", s.id, s.seq.Add(1))
	for _, ev := range s.script(id, code) {
		s.Emit(ev)
	}
	return id, nil
}

func (s *Session) Interrupt(ctx context.Context) error {
	s.interrupts.Add(1)
	s.mu.Lock()
	wait := s.interruptWait
	s.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdowns.Add(1)
	s.alive.Store(false)
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownErr
}

func (s *Session) IsAlive(ctx context.Context) bool {
	return s.alive.Load()
}

func (s *Session) NextOutput(ctx context.Context, timeout time.Duration) (protocol.OutputEvent, error) {
	s.pulls.Add(1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return nil, ErrShutdown
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit queues an output event.
func (s *Session) Emit(ev protocol.OutputEvent) {
	s.events <- ev
}

// Kill marks the session dead without shutting it down.
func (s *Session) Kill() { s.alive.Store(false) }

// FailExecute makes Execute return err.
func (s *Session) FailExecute(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeErr = err
}

// PanicOnExecute makes Execute panic with v.
func (s *Session) PanicOnExecute(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executePanic = v
}

// FailShutdown makes Shutdown return err after marking the session dead.
func (s *Session) FailShutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownErr = err
}

// HangInterrupt makes Interrupt block until the returned function is called
// or its context ends.
func (s *Session) HangInterrupt() (release func()) {
	wait := make(chan struct{})
	s.mu.Lock()
	s.interruptWait = wait
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(wait) }) }
}

func (s *Session) Shutdowns() int  { return int(s.shutdowns.Load()) }
func (s *Session) Interrupts() int { return int(s.interrupts.Load()) }

// Pulls returns the number of NextOutput calls.
func (s *Session) Pulls() int { return int(s.pulls.Load()) }
