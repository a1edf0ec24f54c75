// Package docker implements runtime.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/runtime"
)

const (
	// tmpfsSizeBytes is the size of the writable /tmp mounted into every
	// container. The root filesystem itself is read-only.
	tmpfsSizeBytes = 64 << 20

	// execWaitInterval is how often Wait polls the exec state.
	execWaitInterval = 100 * time.Millisecond
)

// Provider implements runtime.Runtime using the Docker Engine API.
type Provider struct {
	client *client.Client

	// workspaceMount is where workspace volumes are mounted inside
	// containers. Used to recognize the workspace volume on inspect.
	workspaceMount string
}

// New creates a Docker provider and verifies the daemon is reachable.
// Connection settings come from the environment (DOCKER_HOST et al.).
func New(ctx context.Context, workspaceMount string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeUnavailable, err, "create docker client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, apperr.Wrap(apperr.CodeRuntimeUnavailable, err, "docker daemon unreachable")
	}

	return &Provider{client: cli, workspaceMount: workspaceMount}, nil
}

// Ping verifies the daemon is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.CodeRuntimeUnavailable, err, "docker ping")
	}
	return nil
}

// EnsureImage checks whether the image exists locally and pulls it if not.
func (p *Provider) EnsureImage(ctx context.Context, image, registryAuth string) error {
	if _, err := p.client.ImageInspect(ctx, image); err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{
		RegistryAuth: registryAuth,
	})
	if err != nil {
		return classify(err, "pull image %s", image)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded).
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return classify(err, "pull image %s", image)
	}
	return nil
}

// ImageDigest returns the repo digest of a locally available image. Images
// built locally without a repo digest report their content ID instead.
func (p *Provider) ImageDigest(ctx context.Context, image string) (string, error) {
	info, err := p.client.ImageInspect(ctx, image)
	if err != nil {
		return "", classify(err, "inspect image %s", image)
	}
	for _, rd := range info.RepoDigests {
		if i := strings.LastIndex(rd, "@"); i >= 0 {
			return rd[i+1:], nil
		}
	}
	return info.ID, nil
}

// CreateContainer creates a hardened, stopped container. The image's default
// command runs under a TTY with stdin held open so the container stays alive
// between execs.
func (p *Provider) CreateContainer(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		runtime.LabelManaged: runtime.LabelManagedValue,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	containerConfig := &containerTypes.Config{
		Image:      opts.Image,
		Env:        env,
		Labels:     labels,
		User:       opts.User,
		WorkingDir: opts.WorkspaceMount,
		Tty:        true,
		OpenStdin:  true,
	}

	pids := opts.PidsLimit
	hostConfig := &containerTypes.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Privileged:     false,
		NetworkMode:    containerTypes.NetworkMode(opts.NetworkMode),
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: opts.WorkspaceVolume,
				Target: opts.WorkspaceMount,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: tmpfsSizeBytes,
				},
			},
		},
		Resources: containerTypes.Resources{
			Memory:     opts.MemoryBytes,
			MemorySwap: opts.MemoryBytes, // no swap beyond the memory limit
			NanoCPUs:   opts.NanoCPUs,
			PidsLimit:  &pids,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", classify(err, "create container %s", opts.Name)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (p *Provider) StartContainer(ctx context.Context, runtimeID string) error {
	if err := p.client.ContainerStart(ctx, runtimeID, containerTypes.StartOptions{}); err != nil {
		return classify(err, "start container %s", shortID(runtimeID))
	}
	return nil
}

// StopContainer stops a running container, force-killing after timeout.
func (p *Provider) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := p.client.ContainerStop(ctx, runtimeID, containerTypes.StopOptions{Timeout: &seconds})
	if err != nil {
		return classify(err, "stop container %s", shortID(runtimeID))
	}
	return nil
}

// RemoveContainer removes a container. Anonymous volumes go with it; named
// volumes are left for RemoveVolume.
func (p *Provider) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	err := p.client.ContainerRemove(ctx, runtimeID, containerTypes.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return classify(err, "remove container %s", shortID(runtimeID))
	}
	return nil
}

// InspectContainer returns the engine-side state of a container.
func (p *Provider) InspectContainer(ctx context.Context, runtimeID string) (*runtime.ContainerInfo, error) {
	info, err := p.client.ContainerInspect(ctx, runtimeID)
	if err != nil {
		return nil, classify(err, "inspect container %s", shortID(runtimeID))
	}
	return p.mapContainer(info), nil
}

// ListContainers returns all containers matching the label selector,
// including stopped ones.
func (p *Provider) ListContainers(ctx context.Context, labels map[string]string) ([]*runtime.ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	summaries, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, classify(err, "list containers")
	}

	result := make([]*runtime.ContainerInfo, 0, len(summaries))
	for _, c := range summaries {
		info, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue // removed between list and inspect
		}
		result = append(result, p.mapContainer(info))
	}
	return result, nil
}

// CreateVolume creates a named volume. Docker treats re-creating an existing
// volume as a no-op, so this is idempotent.
func (p *Provider) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	merged := map[string]string{
		runtime.LabelManaged: runtime.LabelManagedValue,
	}
	for k, v := range labels {
		merged[k] = v
	}
	_, err := p.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name:   name,
		Labels: merged,
	})
	if err != nil {
		return classify(err, "create volume %s", name)
	}
	return nil
}

// RemoveVolume removes a named volume. Missing volumes are ignored.
func (p *Provider) RemoveVolume(ctx context.Context, name string, force bool) error {
	if err := p.client.VolumeRemove(ctx, name, force); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return classify(err, "remove volume %s", name)
	}
	return nil
}

// ExecStart starts a process inside a running container. The command is
// wrapped in a small shell preamble that records the process PID under /tmp
// so Signal can reach it later; exec replaces the shell, so the recorded PID
// is the command itself.
func (p *Provider) ExecStart(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
	if len(spec.Argv) == 0 {
		return nil, apperr.New(apperr.CodeRuntimeError, "exec requires a command")
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	pidFile := fmt.Sprintf("/tmp/.devbench-exec-%s.pid", randomHex(6))
	wrapped := append([]string{
		"/bin/sh", "-c",
		fmt.Sprintf(`echo $$ >%s; exec "$@"`, pidFile),
		"devbench-exec",
	}, spec.Argv...)

	execCreate, err := p.client.ContainerExecCreate(ctx, runtimeID, containerTypes.ExecOptions{
		Cmd:          wrapped,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // binary-safe demultiplexed streams
		Env:          env,
		WorkingDir:   spec.Cwd,
		User:         spec.User,
	})
	if err != nil {
		return nil, classify(err, "create exec in %s", shortID(runtimeID))
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{
		Tty: false,
	})
	if err != nil {
		return nil, classify(err, "attach exec in %s", shortID(runtimeID))
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	// Demultiplex Docker's framed stream into the two pipes. The copy ends
	// when the process exits or the hijacked connection is closed.
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, resp.Reader)
	}()

	return &execStream{
		client:       p.client,
		containerID:  runtimeID,
		execID:       execCreate.ID,
		user:         spec.User,
		pidFile:      pidFile,
		hijacked:     resp,
		stdoutReader: stdoutReader,
		stderrReader: stderrReader,
	}, nil
}

// CopyTo extracts a tar stream into destPath inside the container.
func (p *Provider) CopyTo(ctx context.Context, runtimeID, destPath string, content io.Reader) error {
	err := p.client.CopyToContainer(ctx, runtimeID, destPath, content, containerTypes.CopyToContainerOptions{})
	if err != nil {
		return classify(err, "copy into %s", shortID(runtimeID))
	}
	return nil
}

// CopyFrom returns a tar stream of srcPath inside the container.
func (p *Provider) CopyFrom(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error) {
	reader, _, err := p.client.CopyFromContainer(ctx, runtimeID, srcPath)
	if err != nil {
		return nil, classify(err, "copy from %s", shortID(runtimeID))
	}
	return reader, nil
}

// StatsSnapshot returns a one-shot resource usage sample.
func (p *Provider) StatsSnapshot(ctx context.Context, runtimeID string) (*runtime.Stats, error) {
	resp, err := p.client.ContainerStatsOneShot(ctx, runtimeID)
	if err != nil {
		return nil, classify(err, "stats for %s", shortID(runtimeID))
	}
	defer func() { _ = resp.Body.Close() }()

	var stats containerTypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeError, err, "decode stats for %s", shortID(runtimeID))
	}

	peak := stats.MemoryStats.MaxUsage // zero on cgroup v2
	if stats.MemoryStats.Usage > peak {
		peak = stats.MemoryStats.Usage
	}
	return &runtime.Stats{
		CPUNanos:        stats.CPUStats.CPUUsage.TotalUsage,
		MemoryBytes:     stats.MemoryStats.Usage,
		MemoryPeakBytes: peak,
	}, nil
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// mapContainer reduces Docker's inspect response to the adapter view.
func (p *Provider) mapContainer(info containerTypes.InspectResponse) *runtime.ContainerInfo {
	ci := &runtime.ContainerInfo{
		RuntimeID: info.ID,
		Name:      strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		ci.Image = info.Config.Image
		ci.Labels = info.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		ci.CreatedAt = created
	}

	for _, m := range info.Mounts {
		if m.Type == mount.TypeVolume && m.Destination == p.workspaceMount {
			ci.WorkspaceVolume = m.Name
			break
		}
	}

	if info.State == nil {
		ci.Status = runtime.StatusCreated
		return ci
	}
	ci.ExitCode = info.State.ExitCode

	switch {
	case info.State.Running:
		ci.Status = runtime.StatusRunning
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			ci.StartedAt = &started
		}
	case info.State.Paused:
		ci.Status = runtime.StatusStopped
	case info.State.Dead || info.State.OOMKilled:
		ci.Status = runtime.StatusFailed
	case info.State.ExitCode != 0:
		// Exit codes 137 (SIGKILL, 128+9) and 143 (SIGTERM, 128+15) are
		// expected from a stop and are not failures.
		if info.State.ExitCode == 137 || info.State.ExitCode == 143 {
			ci.Status = runtime.StatusStopped
		} else {
			ci.Status = runtime.StatusFailed
		}
		if finished, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			ci.FinishedAt = &finished
		}
	default:
		if info.State.FinishedAt != "" && info.State.FinishedAt != "0001-01-01T00:00:00Z" {
			ci.Status = runtime.StatusStopped
			if finished, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				ci.FinishedAt = &finished
			}
		} else {
			ci.Status = runtime.StatusCreated
		}
	}
	return ci
}

// execStream implements runtime.ExecStream for Docker exec sessions.
type execStream struct {
	client       *client.Client
	containerID  string
	execID       string
	user         string
	pidFile      string
	hijacked     types.HijackedResponse
	stdoutReader *io.PipeReader
	stderrReader *io.PipeReader
	closeOnce    sync.Once
}

func (s *execStream) Stdout() io.Reader {
	return s.stdoutReader
}

func (s *execStream) Stderr() io.Reader {
	return s.stderrReader
}

// Wait polls the exec state until the process exits.
func (s *execStream) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(execWaitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := s.client.ContainerExecInspect(ctx, s.execID)
			if err != nil {
				return -1, classify(err, "inspect exec %s", shortID(s.execID))
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}

// Signal delivers a signal to the exec'd process through a second exec that
// reads the recorded PID. It runs as the same user so the kernel permits the
// kill even with all capabilities dropped.
func (s *execStream) Signal(ctx context.Context, sig string) error {
	script := fmt.Sprintf(`[ -f %s ] && kill -%s "$(cat %s)" 2>/dev/null`, s.pidFile, sig, s.pidFile)
	execCreate, err := s.client.ContainerExecCreate(ctx, s.containerID, containerTypes.ExecOptions{
		Cmd:  []string{"/bin/sh", "-c", script},
		User: s.user,
	})
	if err != nil {
		return classify(err, "signal exec %s", shortID(s.execID))
	}
	err = s.client.ContainerExecStart(ctx, execCreate.ID, containerTypes.ExecStartOptions{Detach: true})
	if err != nil {
		return classify(err, "signal exec %s", shortID(s.execID))
	}
	return nil
}

// Close tears down the hijacked connection, which also ends the demux copy.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.hijacked.Close()
	})
	return nil
}

// classify maps SDK errors onto the server error taxonomy.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case cerrdefs.IsNotFound(err):
		return apperr.Wrap(apperr.CodeNotFound, err, "%s", msg)
	case client.IsErrConnectionFailed(err):
		return apperr.Wrap(apperr.CodeRuntimeUnavailable, err, "%s", msg)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.CodeTimeout, err, "%s", msg)
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.CodeCancelled, err, "%s", msg)
	default:
		return apperr.Wrap(apperr.CodeRuntimeError, err, "%s", msg)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}
