// Package sandbox executes pipeline step commands inside isolated,
// resource-bounded Docker containers, optionally reusing one container
// across several steps of the same run.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"
)

// ErrContainerTimeout is returned when a container operation exceeds its
// timeout and is force-killed.
var ErrContainerTimeout = errors.New("container execution timed out")

// ErrRuntimeUnavailable is returned when the container runtime cannot be
// reached.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// WorkDirTarget is where the run's sandbox directory is mounted inside
// every container.
const WorkDirTarget = "/workspace"

// Config holds the manager's defaults and host environment description.
type Config struct {
	// Image is the default container image for steps that don't name one.
	Image string

	// MemoryLimit and CPULimit bound each container (bytes, CPUs).
	MemoryLimit int64
	CPULimit    float64

	// NetworkMode is the default container network mode.
	NetworkMode string

	// Timeout bounds each container operation.
	Timeout time.Duration

	// HostPathFrom/HostPathTo rewrite sandbox mount sources when the
	// orchestrator's filesystem view differs from the container
	// runtime host's (nested virtualization).
	HostPathFrom string
	HostPathTo   string
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	PipelineID string
	RunID      string
	StepIndex  int

	// Image overrides the configured default when non-empty.
	Image string

	Cmd []string

	// WorkDir is the run's sandbox directory as the orchestrator sees
	// it; it is mounted at WorkDirTarget after host-path translation.
	WorkDir string

	// Env is filtered through the internal-variable deny-list before
	// reaching the container.
	Env map[string]string

	// MemoryLimit, CPULimit, NetworkMode and Timeout override the
	// configured defaults when set.
	MemoryLimit int64
	CPULimit    float64
	NetworkMode string
	Timeout     time.Duration

	// Reuse executes the command in the run's persistent container,
	// starting it on first use, instead of a one-shot container.
	Reuse bool

	// Log receives classified output lines as they stream; stderr
	// marks lines classified as error output. May be nil.
	Log func(line string, stderr bool)
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
}

// persistentContainer is a long-lived container shared by the steps of
// one run.
type persistentContainer struct {
	id   string
	name string
}

// Manager orchestrates the container runtime. Its per-run registries are
// safe for concurrent writers: members of a parallel group each register
// their one-shot container.
type Manager struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	oneShot    map[string]map[string]string // run key -> container name -> id
	persistent map[string]*persistentContainer

	// creating collapses concurrent first-use requests for a run's
	// persistent container into one create; the daemon enforces name
	// uniqueness, so a second create with the same name would be
	// rejected outright.
	creating singleflight.Group
}

// dockerAPI is the slice of the Docker client the manager uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// NewManager creates a Manager backed by the Docker Engine, configured
// from the environment (DOCKER_HOST, etc.).
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return newManagerWithClient(cli, cfg, logger), nil
}

// newManagerWithClient injects the API client (for testing).
func newManagerWithClient(cli dockerAPI, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Manager{
		client:     cli,
		cfg:        cfg,
		logger:     logger,
		oneShot:    make(map[string]map[string]string),
		persistent: make(map[string]*persistentContainer),
	}
}

// Exec runs the requested command, one-shot or in the run's persistent
// container. ctx is the run's cancellation token: when it fires the
// underlying container is force-killed and the error reflects a
// user-initiated stop. Independently, the operation's timeout races the
// execution and surfaces ErrContainerTimeout.
func (m *Manager) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if len(req.Cmd) == 0 {
		return nil, fmt.Errorf("sandbox: command is required")
	}
	if req.Reuse {
		return m.execReuse(ctx, req)
	}
	return m.execOneShot(ctx, req)
}

func (m *Manager) execOneShot(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.cfg.Timeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	img := req.Image
	if img == "" {
		img = m.cfg.Image
	}
	if err := m.ensureImage(opCtx, img, req.Log); err != nil {
		return nil, classifyErr(opCtx, ctx, timeout, fmt.Errorf("sandbox: pull image: %w", err))
	}

	name := ContainerName(req.PipelineID, req.RunID, req.StepIndex)
	resp, err := m.client.ContainerCreate(opCtx, &container.Config{
		Image:      img,
		Cmd:        req.Cmd,
		Env:        FilterEnv(req.Env),
		WorkingDir: WorkDirTarget,
	}, m.hostConfig(req), nil, nil, name)
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	containerID := resp.ID
	m.register(req.PipelineID, req.RunID, name, containerID)

	defer func() {
		m.removeContainer(containerID)
		m.unregister(req.PipelineID, req.RunID, name)
	}()

	if err := m.client.ContainerStart(opCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	// Kill listener: whichever of run-cancellation or timeout fires
	// first force-kills the container; the other becomes a no-op. The
	// listener is released once the wait settles.
	settled := make(chan struct{})
	defer close(settled)
	go func() {
		select {
		case <-opCtx.Done():
			_ = m.client.ContainerKill(context.Background(), containerID, "KILL")
		case <-settled:
		}
	}()

	// Stream classified log lines while the container runs.
	var stdoutBuf strings.Builder
	logsDone := m.streamLogs(opCtx, containerID, &stdoutBuf, req.Log)

	statusCh, errCh := m.client.ContainerWait(opCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return nil, classifyErr(opCtx, ctx, timeout, fmt.Errorf("sandbox: wait: %w", err))
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-opCtx.Done():
		<-logsDone
		return nil, classifyErr(opCtx, ctx, timeout, opCtx.Err())
	}
	<-logsDone

	return &ExecResult{ExitCode: exitCode, Stdout: strings.TrimRight(stdoutBuf.String(), "\n")}, nil
}

func (m *Manager) execReuse(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.cfg.Timeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc, err := m.ensurePersistent(opCtx, req)
	if err != nil {
		return nil, err
	}

	execResp, err := m.client.ContainerExecCreate(opCtx, pc.id, container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          FilterEnv(req.Env),
		WorkingDir:   WorkDirTarget,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classifyErr(opCtx, ctx, timeout, fmt.Errorf("sandbox: exec create: %w", err))
	}

	attach, err := m.client.ContainerExecAttach(opCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classifyErr(opCtx, ctx, timeout, fmt.Errorf("sandbox: exec attach: %w", err))
	}
	defer attach.Close()

	// The exec process has no kill primitive of its own; killing the
	// persistent container is the teardown path for both timeout and
	// user cancellation.
	settled := make(chan struct{})
	defer close(settled)
	go func() {
		select {
		case <-opCtx.Done():
			_ = m.client.ContainerKill(context.Background(), pc.id, "KILL")
		case <-settled:
		}
	}()

	var stdoutBuf strings.Builder
	stdout := &lineWriter{sink: func(line string) {
		stdoutBuf.WriteString(line + "\n")
		if req.Log != nil {
			req.Log(line, false)
		}
	}}
	stderr := &lineWriter{sink: func(line string) {
		if req.Log != nil {
			req.Log(line, !Informational(line))
		}
	}}

	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
	stdout.flush()
	stderr.flush()
	if copyErr != nil && opCtx.Err() == nil {
		return nil, fmt.Errorf("sandbox: exec output: %w", copyErr)
	}
	if opCtx.Err() != nil {
		return nil, classifyErr(opCtx, ctx, timeout, opCtx.Err())
	}

	inspect, err := m.client.ContainerExecInspect(opCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return &ExecResult{ExitCode: inspect.ExitCode, Stdout: strings.TrimRight(stdoutBuf.String(), "\n")}, nil
}

// ensurePersistent starts the run's long-lived container on first use.
// Concurrent group members issuing their run's first reuse request share
// one create via the singleflight group.
func (m *Manager) ensurePersistent(ctx context.Context, req ExecRequest) (*persistentContainer, error) {
	key := runKey(req.PipelineID, req.RunID)

	v, err, _ := m.creating.Do(key, func() (any, error) {
		m.mu.Lock()
		if pc, ok := m.persistent[key]; ok {
			m.mu.Unlock()
			return pc, nil
		}
		m.mu.Unlock()
		return m.startPersistent(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*persistentContainer), nil
}

func (m *Manager) startPersistent(ctx context.Context, req ExecRequest, key string) (*persistentContainer, error) {
	img := req.Image
	if img == "" {
		img = m.cfg.Image
	}
	if err := m.ensureImage(ctx, img, req.Log); err != nil {
		return nil, fmt.Errorf("sandbox: pull image: %w", err)
	}

	name := PersistentContainerName(req.PipelineID, req.RunID)
	resp, err := m.client.ContainerCreate(ctx, &container.Config{
		Image: img,
		// No-op foreground process keeps the container alive between
		// exec requests.
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Env:        FilterEnv(req.Env),
		WorkingDir: WorkDirTarget,
	}, m.hostConfig(req), nil, nil, name)
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return nil, fmt.Errorf("sandbox: create persistent container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.removeContainer(resp.ID)
		return nil, fmt.Errorf("sandbox: start persistent container: %w", err)
	}

	pc := &persistentContainer{id: resp.ID, name: name}
	m.mu.Lock()
	m.persistent[key] = pc
	m.mu.Unlock()

	m.logger.Info("persistent container started",
		"pipeline_id", req.PipelineID, "run_id", req.RunID, "name", name)
	return pc, nil
}

// CleanupRun stops and force-removes every container still tracked for
// the run, including the persistent one. It is idempotent and must be
// called whenever a run ends, regardless of outcome.
func (m *Manager) CleanupRun(ctx context.Context, pipelineID, runID string) {
	key := runKey(pipelineID, runID)

	m.mu.Lock()
	var ids []string
	for _, id := range m.oneShot[key] {
		ids = append(ids, id)
	}
	delete(m.oneShot, key)
	if pc, ok := m.persistent[key]; ok {
		ids = append(ids, pc.id)
		delete(m.persistent, key)
	}
	m.mu.Unlock()

	for _, id := range ids {
		stopTimeout := 5 // seconds
		_ = m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &stopTimeout})
		_ = m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	}
	if len(ids) > 0 {
		m.logger.Info("run containers cleaned up",
			"pipeline_id", pipelineID, "run_id", runID, "count", len(ids))
	}
}

// Outstanding returns the container names still tracked for a run.
func (m *Manager) Outstanding(pipelineID, runID string) []string {
	key := runKey(pipelineID, runID)
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.oneShot[key] {
		names = append(names, name)
	}
	if pc, ok := m.persistent[key]; ok {
		names = append(names, pc.name)
	}
	return names
}

func (m *Manager) register(pipelineID, runID, name, id string) {
	key := runKey(pipelineID, runID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.oneShot[key] == nil {
		m.oneShot[key] = make(map[string]string)
	}
	m.oneShot[key][name] = id
}

func (m *Manager) unregister(pipelineID, runID, name string) {
	key := runKey(pipelineID, runID)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.oneShot[key], name)
	if len(m.oneShot[key]) == 0 {
		delete(m.oneShot, key)
	}
}

// removeContainer force-removes a container, detached from any
// cancelled context.
func (m *Manager) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// classifyErr maps a failed operation to the right taxonomy: timeout
// when the operation context expired, the run context's error when the
// user stopped the run, the original error otherwise.
func classifyErr(opCtx, runCtx context.Context, timeout time.Duration, err error) error {
	if runCtx.Err() != nil {
		return runCtx.Err()
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrContainerTimeout, timeout)
	}
	return err
}

// ensureImage pulls the image when absent; pull progress is logged as
// informational output.
func (m *Manager) ensureImage(ctx context.Context, img string, logFn func(string, bool)) error {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	reader, err := m.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return err
	}
	defer reader.Close()

	if logFn != nil {
		logFn("pulling image "+img, false)
	}
	_, err = io.Copy(io.Discard, reader)
	return err
}

// streamLogs follows a running container's output, classifying each line
// and accumulating stdout. The returned channel closes when the stream
// ends.
func (m *Manager) streamLogs(ctx context.Context, containerID string, stdoutBuf *strings.Builder, logFn func(string, bool)) <-chan struct{} {
	done := make(chan struct{})

	logReader, err := m.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		m.logger.Warn("container log stream unavailable", "container", containerID, "error", err)
		close(done)
		return done
	}

	stdout := &lineWriter{sink: func(line string) {
		stdoutBuf.WriteString(line + "\n")
		if logFn != nil {
			logFn(line, false)
		}
	}}
	stderr := &lineWriter{sink: func(line string) {
		if logFn != nil {
			logFn(line, !Informational(line))
		}
	}}

	go func() {
		defer close(done)
		defer logReader.Close()
		_, _ = stdcopy.StdCopy(stdout, stderr, logReader)
		stdout.flush()
		stderr.flush()
	}()
	return done
}

// hostConfig builds the container host configuration: translated sandbox
// mount, resource limits, network mode.
func (m *Manager) hostConfig(req ExecRequest) *container.HostConfig {
	hc := &container.HostConfig{}

	memory := req.MemoryLimit
	if memory == 0 {
		memory = m.cfg.MemoryLimit
	}
	if memory > 0 {
		hc.Resources.Memory = memory
	}

	cpu := req.CPULimit
	if cpu == 0 {
		cpu = m.cfg.CPULimit
	}
	if cpu > 0 {
		// Docker uses NanoCPUs (1 CPU = 1e9 NanoCPUs)
		hc.Resources.NanoCPUs = int64(cpu * 1e9)
	}

	netMode := req.NetworkMode
	if netMode == "" {
		netMode = m.cfg.NetworkMode
	}
	if netMode != "" {
		hc.NetworkMode = container.NetworkMode(netMode)
	}

	if req.WorkDir != "" {
		hc.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: m.TranslateHostPath(req.WorkDir),
			Target: WorkDirTarget,
		}}
	}
	return hc
}

// TranslateHostPath rewrites an orchestrator-side path into the container
// runtime host's view using the configured prefix substitution.
func (m *Manager) TranslateHostPath(p string) string {
	if m.cfg.HostPathFrom == "" || !strings.HasPrefix(p, m.cfg.HostPathFrom) {
		return p
	}
	return m.cfg.HostPathTo + strings.TrimPrefix(p, m.cfg.HostPathFrom)
}

func runKey(pipelineID, runID string) string {
	return pipelineID + "/" + runID
}
