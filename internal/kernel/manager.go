package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/protocol"
	"github.com/michaelbrown/kernelbox/internal/storage"
)

var (
	// ErrRestartInProgress is returned by Restart while another restart holds
	// the restart lock. Callers observe RESTARTING and retry later.
	ErrRestartInProgress = errors.New("kernel restart already in progress")
	// ErrKernelStarting is returned by Restart before the first session exists.
	ErrKernelStarting = errors.New("kernel is still starting")
)

// Options configures a Manager.
type Options struct {
	StartupTimeout time.Duration
	RetryBackoff   time.Duration
	// Journal receives lifecycle diagnostics. Optional.
	Journal storage.Store
	Logger  *zap.Logger
}

// Manager owns the current kernel session.
type Manager struct {
	engine  Engine
	opts    Options
	log     *zap.Logger
	journal journal

	current atomic.Pointer[KernelSession]

	startMu    sync.Mutex
	restartMu  sync.Mutex
	restarting atomic.Bool
}

// NewManager returns a Manager with no session. Call EnsureSession to start one.
func NewManager(engine Engine, opts Options) *Manager {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 120 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "session_manager"))
	return &Manager{
		engine:  engine,
		opts:    opts,
		log:     log,
		journal: journal{store: opts.Journal, log: log},
	}
}

// Current returns the current session, or nil before the first one is created.
func (m *Manager) Current() *KernelSession {
	return m.current.Load()
}

// EnsureSession creates the first session if none exists. Creation failures
// are logged and retried after RetryBackoff until ctx is done; the only
// error returned is ctx's.
func (m *Manager) EnsureSession(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.current.Load() != nil {
		return nil
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		sess, err := m.engine.Create(ctx, m.opts.StartupTimeout)
		if err == nil {
			m.current.Store(&KernelSession{Session: sess, CreatedAt: time.Now()})
			m.log.Info("kernel created",
				zap.String("kernel_id", sess.ID()),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)))
			m.journal.record(ctx, storage.Event{
				Kind:     storage.EventKernelCreated,
				KernelID: sess.ID(),
				Message:  "kernel created",
				Details:  map[string]any{"attempt": attempt, "elapsed_ms": time.Since(start).Milliseconds()},
			})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.log.Error("kernel creation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", m.opts.RetryBackoff))
		m.journal.record(ctx, storage.Event{
			Kind:    storage.EventKernelCreateFailed,
			Message: err.Error(),
			Details: map[string]any{"attempt": attempt},
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.RetryBackoff):
		}
	}
}

// Status derives the kernel status from the current session. It never blocks
// on the restart lock.
func (m *Manager) Status(ctx context.Context) protocol.KernelStatus {
	sess := m.current.Load()
	switch {
	case sess == nil:
		return protocol.StatusStarting
	case m.restarting.Load():
		return protocol.StatusRestarting
	case !alive(ctx, sess):
		return protocol.StatusDead
	default:
		return protocol.StatusRunning
	}
}

func alive(ctx context.Context, sess Session) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return sess.IsAlive(ctx)
}

// Restart replaces the current session. It returns ErrRestartInProgress
// instead of waiting when another restart is running. If the new session
// cannot be created the old, already shut down, session stays in place.
func (m *Manager) Restart(ctx context.Context) error {
	if m.current.Load() == nil {
		return ErrKernelStarting
	}
	if !m.restartMu.TryLock() {
		return ErrRestartInProgress
	}
	m.restarting.Store(true)
	defer func() {
		m.restarting.Store(false)
		m.restartMu.Unlock()
	}()

	old := m.current.Load()
	if err := old.Shutdown(ctx); err != nil {
		m.log.Warn("shutting down old kernel", zap.String("kernel_id", old.ID()), zap.Error(err))
	}

	start := time.Now()
	sess, err := m.engine.Create(ctx, m.opts.StartupTimeout)
	if err != nil {
		m.log.Error("kernel restart failed", zap.String("kernel_id", old.ID()), zap.Error(err))
		m.journal.record(ctx, storage.Event{
			Kind:     storage.EventKernelRestartFailed,
			KernelID: old.ID(),
			Message:  err.Error(),
		})
		return fmt.Errorf("creating kernel: %w", err)
	}

	m.current.Store(&KernelSession{Session: sess, CreatedAt: time.Now()})
	m.log.Info("kernel restarted",
		zap.String("old_kernel_id", old.ID()),
		zap.String("kernel_id", sess.ID()),
		zap.Duration("elapsed", time.Since(start)))
	m.journal.record(ctx, storage.Event{
		Kind:     storage.EventKernelRestarted,
		KernelID: sess.ID(),
		Message:  "kernel restarted",
		Details:  map[string]any{"previous_kernel_id": old.ID()},
	})
	return nil
}

// closePollInterval is how often Close retries the restart lock.
const closePollInterval = 10 * time.Millisecond

// Close shuts down the current session at process teardown. It waits for an
// in-flight restart to finish first, but no longer than ctx allows.
func (m *Manager) Close(ctx context.Context) error {
	if !m.restartMu.TryLock() {
		ticker := time.NewTicker(closePollInterval)
		defer ticker.Stop()
		for !m.restartMu.TryLock() {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return fmt.Errorf("waiting for kernel restart: %w", ctx.Err())
			}
		}
	}
	defer m.restartMu.Unlock()

	sess := m.current.Load()
	if sess == nil {
		return nil
	}
	if err := sess.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down kernel %s: %w", sess.ID(), err)
	}
	return nil
}

// journal writes diagnostics events. Failures are logged and dropped.
type journal struct {
	store storage.Store
	log   *zap.Logger
}

func (j journal) record(ctx context.Context, e storage.Event) {
	if j.store == nil {
		return
	}
	if err := j.store.RecordEvent(context.WithoutCancel(ctx), &e); err != nil {
		j.log.Warn("recording journal event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
