package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/semaphore"

	"github.com/nstogner/codeagent/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "codeagent"

	DefaultName    = "codeagent-sandbox"
	DefaultImage   = "ubuntu:24.04"
	DefaultWorkDir = "/workspace"
	DefaultTimeout = 60 * time.Second

	// maxAttempts bounds crash recovery to one retry.
	maxAttempts = 2
	stopTimeout = 5
)

// idleCmd keeps the container alive between commands.
var idleCmd = []string{"sleep", "infinity"}

// Config describes the sandbox container.
type Config struct {
	Name      string
	Image     string
	WorkDir   string
	Workspace string // Host directory bind-mounted at WorkDir.
	Timeout   time.Duration
	Ports     []string // Optional "host:container" publish specs.
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// engine is the subset of the Docker API used by the manager.
type engine interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	Close() error
}

// Manager implements sandbox.Manager with a single named Docker container.
type Manager struct {
	cli engine
	cfg Config

	// exec serializes commands against the shared container.
	exec *semaphore.Weighted

	mu    sync.Mutex
	state sandbox.State
}

// Verify interface compliance.
var _ sandbox.Manager = (*Manager)(nil)

// New creates a new Docker sandbox manager. Nothing is created until the
// first command runs.
func New(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newManager(cli, cfg)
}

func newManager(cli engine, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("sandbox workspace directory is required")
	}
	abs, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	cfg.Workspace = abs

	return &Manager{
		cli:   cli,
		cfg:   cfg,
		exec:  semaphore.NewWeighted(1),
		state: sandbox.StateAbsent,
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// State returns the cached handle state.
func (m *Manager) State() sandbox.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s sandbox.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != s {
		slog.Debug("Sandbox state", "name", m.cfg.Name, "from", m.state, "to", s)
	}
	m.state = s
}

// Status inspects the container and refreshes the cached state.
func (m *Manager) Status(ctx context.Context) (sandbox.State, error) {
	c, err := m.cli.ContainerInspect(ctx, m.cfg.Name)
	switch {
	case client.IsErrNotFound(err):
		m.setState(sandbox.StateAbsent)
	case err != nil:
		return m.State(), fmt.Errorf("inspecting sandbox: %w", err)
	case isRunning(c):
		m.setState(sandbox.StateRunning)
	default:
		m.setState(sandbox.StateCrashed)
	}
	return m.State(), nil
}

// EnsureAlive starts the container if it is stopped and creates it if it
// does not exist.
func (m *Manager) EnsureAlive(ctx context.Context) error {
	if err := m.exec.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.exec.Release(1)
	return m.ensureAlive(ctx)
}

// Execute runs command with sh -c in the working directory. If the container
// turns out to be gone it is recreated and the command retried exactly once.
func (m *Manager) Execute(ctx context.Context, command string, timeout time.Duration) (*sandbox.Result, error) {
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	if err := m.exec.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.exec.Release(1)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var res *sandbox.Result
		res, err = m.execOnce(ctx, command, timeout)
		if err == nil {
			return res, nil
		}
		if !isEnvironmentGone(err) {
			return nil, err
		}

		m.setState(sandbox.StateCrashed)
		if attempt == maxAttempts {
			break
		}
		slog.Warn("Sandbox unreachable, recreating", "name", m.cfg.Name, "attempt", attempt, "error", err)
		m.remove(ctx)
	}
	return nil, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
}

// Teardown stops and removes the container, ignoring anything already gone.
func (m *Manager) Teardown(ctx context.Context) error {
	if err := m.exec.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.exec.Release(1)

	m.remove(ctx)
	slog.Info("Sandbox torn down", "name", m.cfg.Name)
	return nil
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// --- internal helpers ---

func (m *Manager) execOnce(ctx context.Context, command string, timeout time.Duration) (*sandbox.Result, error) {
	if err := m.ensureAlive(ctx); err != nil {
		return nil, err
	}

	created, err := m.cli.ContainerExecCreate(ctx, m.cfg.Name, types.ExecConfig{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   m.cfg.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attached, err := m.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attached.Close()

	slog.Debug("Sandbox exec started", "execID", created.ID, "command", command, "timeout", timeout)

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader)
		copied <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-timer.C:
		// Detach: the process keeps running in the container.
		attached.Close()
		slog.Warn("Sandbox command timed out", "execID", created.ID, "timeout", timeout)
		return nil, fmt.Errorf("%w after %s", sandbox.ErrTimeout, timeout)
	case <-ctx.Done():
		attached.Close()
		return nil, ctx.Err()
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	slog.Debug("Sandbox exec finished", "execID", created.ID, "exitCode", inspect.ExitCode)
	return &sandbox.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (m *Manager) ensureAlive(ctx context.Context) error {
	c, err := m.cli.ContainerInspect(ctx, m.cfg.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return m.createAndStart(ctx)
		}
		return fmt.Errorf("inspecting sandbox: %w", err)
	}

	if isRunning(c) {
		m.setState(sandbox.StateRunning)
		return nil
	}

	// Start it if it exists but is stopped.
	m.setState(sandbox.StateStarting)
	if err := m.cli.ContainerStart(ctx, m.cfg.Name, types.ContainerStartOptions{}); err != nil {
		m.setState(sandbox.StateCrashed)
		return fmt.Errorf("starting sandbox: %w", err)
	}
	m.setState(sandbox.StateRunning)
	slog.Info("Sandbox started", "name", m.cfg.Name)
	return nil
}

func (m *Manager) createAndStart(ctx context.Context) error {
	m.setState(sandbox.StateStarting)

	if err := m.ensureImage(ctx); err != nil {
		m.setState(sandbox.StateAbsent)
		return err
	}

	exposed, bindings, err := nat.ParsePortSpecs(m.cfg.Ports)
	if err != nil {
		m.setState(sandbox.StateAbsent)
		return fmt.Errorf("parsing sandbox ports: %w", err)
	}

	cfg := &container.Config{
		Image:        m.cfg.Image,
		Cmd:          idleCmd,
		WorkingDir:   m.cfg.WorkDir,
		Labels:       map[string]string{LabelManager: LabelManagerValue},
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: m.cfg.Workspace,
			Target: m.cfg.WorkDir,
		}},
		PortBindings: bindings,
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.cfg.Name)
	if err != nil {
		m.setState(sandbox.StateAbsent)
		return fmt.Errorf("creating sandbox: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		m.setState(sandbox.StateCrashed)
		return fmt.Errorf("starting sandbox: %w", err)
	}

	m.setState(sandbox.StateRunning)
	slog.Info("Sandbox created", "name", m.cfg.Name, "id", resp.ID, "image", m.cfg.Image, "workspace", m.cfg.Workspace)
	return nil
}

// ensureImage pulls the image when it is not present locally.
func (m *Manager) ensureImage(ctx context.Context) error {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, m.cfg.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", m.cfg.Image, err)
	}

	slog.Info("Pulling sandbox image", "image", m.cfg.Image)
	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", m.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", m.cfg.Image, err)
	}
	return nil
}

// remove is a best-effort stop and remove.
func (m *Manager) remove(ctx context.Context) {
	timeout := stopTimeout
	if err := m.cli.ContainerStop(ctx, m.cfg.Name, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		slog.Warn("Failed to stop sandbox", "name", m.cfg.Name, "error", err)
	}
	if err := m.cli.ContainerRemove(ctx, m.cfg.Name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		slog.Warn("Failed to remove sandbox", "name", m.cfg.Name, "error", err)
	}
	m.setState(sandbox.StateAbsent)
}

func isRunning(c types.ContainerJSON) bool {
	return c.ContainerJSONBase != nil && c.State != nil && c.State.Running
}

// isEnvironmentGone reports whether err means the container vanished or
// stopped underneath a command, or the daemon could not be reached.
func isEnvironmentGone(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsConflict(err) || client.IsErrConnectionFailed(err)
}
