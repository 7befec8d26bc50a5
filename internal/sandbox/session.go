package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	infinity "github.com/Code-Hex/go-infinity-channel"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/michaelbrown/kernelbox/internal/kernel"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// maxDriverLine bounds one driver message. It leaves room above
// protocol.MaxMessageSize so oversized events reach the relay and are
// rejected there with ResponseTooLarge.
const maxDriverLine = 64 << 20

var errDriverExited = errors.New("kernel driver exited")

// containerSession is a kernel running in one container.
type containerSession struct {
	id          string
	containerID string
	cli         *client.Client
	tools       ToolSink
	log         *zap.Logger

	conn    types.HijackedResponse
	stdinMu sync.Mutex

	events *infinity.Channel[protocol.OutputEvent]
	ready  chan int
	exited chan struct{}
	pid    atomic.Int64
	closed atomic.Bool
}

var _ kernel.Session = (*containerSession)(nil)

func newContainerSession(id, containerID string, cli *client.Client, conn types.HijackedResponse, tools ToolSink, log *zap.Logger) *containerSession {
	s := &containerSession{
		id:          id,
		containerID: containerID,
		cli:         cli,
		tools:       tools,
		log:         log,
		conn:        conn,
		events:      infinity.NewChannel[protocol.OutputEvent](),
		ready:       make(chan int, 1),
		exited:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop demultiplexes the driver's output until it exits.
func (s *containerSession) readLoop() {
	defer close(s.exited)
	defer s.events.Close()

	pr, pw := io.Pipe()
	stderr := &zapio.Writer{Log: s.log.With(zap.String("stream", "driver_stderr")), Level: zap.WarnLevel}
	defer stderr.Close()

	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, s.conn.Reader)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDriverLine)
	for scanner.Scan() {
		msg, err := parseDriverLine(scanner.Bytes())
		if err != nil {
			s.log.Warn("skipping driver output", zap.Error(err))
			continue
		}
		s.handle(msg)
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.log.Error("reading driver output", zap.Error(err))
	}
	// Unblock the copier if the scanner gave up early.
	pr.Close()
}

// handle routes one driver message: helper reports go to the tool sink,
// everything else becomes output events.
func (s *containerSession) handle(msg driverMessage) {
	switch msg.Type {
	case "ready":
		s.pid.Store(int64(msg.PID))
		select {
		case s.ready <- msg.PID:
		default:
		}
		return
	case msgCallback:
		if s.tools == nil {
			return
		}
		if err := s.tools.RecordCallback(msg.callbackRecord()); err != nil {
			s.log.Warn("dropping kernel callback", zap.String("name", msg.Name), zap.Error(err))
		}
		return
	case msgLogException:
		if s.tools != nil {
			s.tools.LogException(context.Background(), s.id, msg.logException())
		}
		return
	case msgMatplotlibFallback:
		if s.tools != nil {
			s.tools.LogMatplotlibFallback(context.Background(), s.id, msg.matplotlibFallback())
		}
		return
	case msgDriverError:
		s.log.Error("kernel driver could not handle request", zap.String("error", msg.Error))
		return
	}

	evs, err := msg.events()
	if err != nil {
		s.log.Warn("skipping driver message", zap.Error(err))
		return
	}
	for _, ev := range evs {
		s.events.In() <- ev
	}
}

// waitReady blocks until the driver reports ready.
func (s *containerSession) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.exited:
		return errDriverExited
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for kernel driver")
	}
}

func (s *containerSession) ID() string { return s.id }

func (s *containerSession) Execute(ctx context.Context, code string) (string, error) {
	if s.closed.Load() {
		return "", errors.New("kernel session is shut down")
	}
	select {
	case <-s.exited:
		return "", errors.WithStack(errDriverExited)
	default:
	}

	id := uuid.NewString()
	line, err := json.Marshal(driverRequest{ID: id, Code: code})
	if err != nil {
		return "", errors.Wrap(err, "encoding execute request")
	}
	line = append(line, '\n')

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if _, err := s.conn.Conn.Write(line); err != nil {
		return "", errors.Wrap(err, "writing to kernel driver")
	}
	return id, nil
}

// Interrupt sends SIGINT to the driver, which raises KeyboardInterrupt in
// the running cell.
func (s *containerSession) Interrupt(ctx context.Context) error {
	pid := s.pid.Load()
	if pid == 0 {
		return errors.New("kernel driver pid unknown")
	}

	exec, err := s.cli.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd: []string{"kill", "-INT", strconv.FormatInt(pid, 10)},
	})
	if err != nil {
		return errors.Wrap(err, "creating interrupt exec")
	}
	if err := s.cli.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{}); err != nil {
		return errors.Wrap(err, "starting interrupt exec")
	}
	return nil
}

func (s *containerSession) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stdinMu.Lock()
	s.conn.Close()
	s.stdinMu.Unlock()

	err := s.cli.ContainerRemove(ctx, s.containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "removing container %s", s.containerID)
	}
	return nil
}

func (s *containerSession) IsAlive(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
	}
	c, err := s.cli.ContainerInspect(ctx, s.containerID)
	if err != nil {
		return false
	}
	return c.State != nil && c.State.Running
}

func (s *containerSession) NextOutput(ctx context.Context, timeout time.Duration) (protocol.OutputEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-s.events.Out():
		if !ok {
			return nil, errors.WithStack(errDriverExited)
		}
		return ev, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
