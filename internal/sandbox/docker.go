package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/kernel"
)

// cleanupTimeout bounds removal of a container whose startup failed.
const cleanupTimeout = 10 * time.Second

// DockerEngine starts kernels in Docker containers.
type DockerEngine struct {
	cli    *client.Client
	policy Policy
	tools  ToolSink
	log    *zap.Logger
}

var _ kernel.Engine = (*DockerEngine)(nil)

// NewDockerEngine connects to the Docker daemon configured by the environment.
// Helper reports from kernels go to tools, which may be nil.
func NewDockerEngine(policy Policy, tools ToolSink, log *zap.Logger) (*DockerEngine, error) {
	if !policy.IsImageAllowed(policy.Image) {
		return nil, errors.Errorf("image %q not in allowlist", policy.Image)
	}
	if _, err := policy.MemoryBytes(); err != nil {
		return nil, err
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerEngine{
		cli:    cli,
		policy: policy,
		tools:  tools,
		log:    log.With(zap.String("component", "docker_engine")),
	}, nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// Ping checks that the daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return errors.Wrap(err, "pinging docker daemon")
	}
	return nil
}

// Create starts a container, attaches the Python driver and waits for it to
// report ready. The container is removed if any step fails.
func (e *DockerEngine) Create(ctx context.Context, startupTimeout time.Duration) (kernel.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := e.ensureImage(ctx); err != nil {
		return nil, err
	}
	mem, err := e.policy.MemoryBytes()
	if err != nil {
		return nil, err
	}

	kernelID := uuid.NewString()
	cfg := &container.Config{
		Image:      e.policy.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: e.policy.Workdir,
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelKernelID: kernelID,
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{Memory: mem},
	}
	if !e.policy.Network {
		hostCfg.NetworkMode = "none"
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerPrefix+kernelID)
	if err != nil {
		return nil, errors.Wrap(err, "creating container")
	}
	log := e.log.With(zap.String("kernel_id", kernelID), zap.String("container_id", shortID(resp.ID)))

	sess, err := e.startKernel(ctx, kernelID, resp.ID, log)
	if err != nil {
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer rmCancel()
		if rmErr := e.cli.ContainerRemove(rmCtx, resp.ID, types.ContainerRemoveOptions{Force: true}); rmErr != nil {
			log.Warn("removing failed kernel container", zap.Error(rmErr))
		}
		return nil, err
	}
	log.Info("kernel container started", zap.String("image", e.policy.Image))
	return sess, nil
}

func (e *DockerEngine) startKernel(ctx context.Context, kernelID, containerID string, log *zap.Logger) (*containerSession, error) {
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, errors.Wrap(err, "starting container")
	}

	exec, err := e.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          []string{"python3", "-u", "-c", driverSource},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating driver exec")
	}
	conn, err := e.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, errors.Wrap(err, "attaching driver")
	}

	sess := newContainerSession(kernelID, containerID, e.cli, conn, e.tools, log)
	if err := sess.waitReady(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func (e *DockerEngine) ensureImage(ctx context.Context) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, e.policy.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "inspecting image %s", e.policy.Image)
	}

	e.log.Info("pulling kernel image", zap.String("image", e.policy.Image))
	rc, err := e.cli.ImagePull(ctx, e.policy.Image, types.ImagePullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling image %s", e.policy.Image)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Wrapf(err, "pulling image %s", e.policy.Image)
	}
	return nil
}

// RemoveOrphans force-removes kernel containers left behind by a previous
// process.
func (e *DockerEngine) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := e.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing kernel containers")
	}

	removed := 0
	for _, c := range list {
		if err := e.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			if client.IsErrNotFound(err) {
				continue
			}
			e.log.Warn("removing orphan container", zap.String("container_id", shortID(c.ID)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
