// Package mock provides an in-memory implementation of runtime.Runtime for
// testing. Default behavior mimics a healthy engine; every method can be
// overridden through the corresponding Func field.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/runtime"
)

// Provider is a mock container runtime for testing.
type Provider struct {
	mu         sync.RWMutex
	containers map[string]*runtime.ContainerInfo
	volumes    map[string]map[string]string
	pulled     []string
	nextID     int

	// TarContent maps container paths to tar bytes served by CopyFrom.
	TarContent map[string][]byte

	// CopiedTo records every CopyTo call for assertions.
	CopiedTo []CopyRecord

	// Digests maps image references to digests returned by ImageDigest.
	Digests map[string]string

	// Configurable behaviors for testing.
	PingFunc            func(ctx context.Context) error
	EnsureImageFunc     func(ctx context.Context, image, registryAuth string) error
	ImageDigestFunc     func(ctx context.Context, image string) (string, error)
	CreateContainerFunc func(ctx context.Context, opts runtime.CreateOptions) (string, error)
	StartContainerFunc  func(ctx context.Context, runtimeID string) error
	StopContainerFunc   func(ctx context.Context, runtimeID string, timeout time.Duration) error
	RemoveContainerFunc func(ctx context.Context, runtimeID string, force bool) error
	InspectFunc         func(ctx context.Context, runtimeID string) (*runtime.ContainerInfo, error)
	ListFunc            func(ctx context.Context, labels map[string]string) ([]*runtime.ContainerInfo, error)
	CreateVolumeFunc    func(ctx context.Context, name string, labels map[string]string) error
	RemoveVolumeFunc    func(ctx context.Context, name string, force bool) error
	ExecStartFunc       func(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error)
	CopyToFunc          func(ctx context.Context, runtimeID, destPath string, content io.Reader) error
	CopyFromFunc        func(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error)
	StatsFunc           func(ctx context.Context, runtimeID string) (*runtime.Stats, error)
}

// CopyRecord captures one CopyTo invocation.
type CopyRecord struct {
	RuntimeID string
	DestPath  string
	Content   []byte
}

// NewProvider creates a mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{
		containers: make(map[string]*runtime.ContainerInfo),
		volumes:    make(map[string]map[string]string),
		TarContent: make(map[string][]byte),
		Digests:    make(map[string]string),
	}
}

// Ping reports the engine as reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if p.PingFunc != nil {
		return p.PingFunc(ctx)
	}
	return nil
}

// EnsureImage records the pull and succeeds.
func (p *Provider) EnsureImage(ctx context.Context, image, registryAuth string) error {
	if p.EnsureImageFunc != nil {
		return p.EnsureImageFunc(ctx, image, registryAuth)
	}
	p.mu.Lock()
	p.pulled = append(p.pulled, image)
	p.mu.Unlock()
	return nil
}

// ImageDigest returns a configured digest or a deterministic fake.
func (p *Provider) ImageDigest(ctx context.Context, image string) (string, error) {
	if p.ImageDigestFunc != nil {
		return p.ImageDigestFunc(ctx, image)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d, ok := p.Digests[image]; ok {
		return d, nil
	}
	return "sha256:" + fmt.Sprintf("%064x", len(image)), nil
}

// CreateContainer registers a created container and returns its runtime ID.
func (p *Provider) CreateContainer(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	if p.CreateContainerFunc != nil {
		return p.CreateContainerFunc(ctx, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := fmt.Sprintf("mock-%d", p.nextID)

	labels := map[string]string{
		runtime.LabelManaged: runtime.LabelManagedValue,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	p.containers[id] = &runtime.ContainerInfo{
		RuntimeID:       id,
		Name:            opts.Name,
		Image:           opts.Image,
		Status:          runtime.StatusCreated,
		Labels:          labels,
		WorkspaceVolume: opts.WorkspaceVolume,
		CreatedAt:       time.Now(),
	}
	return id, nil
}

// StartContainer moves a container to running.
func (p *Provider) StartContainer(ctx context.Context, runtimeID string) error {
	if p.StartContainerFunc != nil {
		return p.StartContainerFunc(ctx, runtimeID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.containers[runtimeID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "container %s not found", runtimeID)
	}
	c.Status = runtime.StatusRunning
	now := time.Now()
	c.StartedAt = &now
	return nil
}

// StopContainer moves a container to stopped with a stop exit code.
func (p *Provider) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	if p.StopContainerFunc != nil {
		return p.StopContainerFunc(ctx, runtimeID, timeout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.containers[runtimeID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "container %s not found", runtimeID)
	}
	c.Status = runtime.StatusStopped
	c.ExitCode = 143
	now := time.Now()
	c.FinishedAt = &now
	return nil
}

// RemoveContainer deletes a container.
func (p *Provider) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	if p.RemoveContainerFunc != nil {
		return p.RemoveContainerFunc(ctx, runtimeID, force)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.containers[runtimeID]; !ok {
		return apperr.New(apperr.CodeNotFound, "container %s not found", runtimeID)
	}
	delete(p.containers, runtimeID)
	return nil
}

// InspectContainer returns a copy of the container state.
func (p *Provider) InspectContainer(ctx context.Context, runtimeID string) (*runtime.ContainerInfo, error) {
	if p.InspectFunc != nil {
		return p.InspectFunc(ctx, runtimeID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.containers[runtimeID]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "container %s not found", runtimeID)
	}
	cp := *c
	return &cp, nil
}

// ListContainers returns copies of all containers matching the selector.
func (p *Provider) ListContainers(ctx context.Context, labels map[string]string) ([]*runtime.ContainerInfo, error) {
	if p.ListFunc != nil {
		return p.ListFunc(ctx, labels)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []*runtime.ContainerInfo
	for _, c := range p.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

// CreateVolume registers a named volume.
func (p *Provider) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	if p.CreateVolumeFunc != nil {
		return p.CreateVolumeFunc(ctx, name, labels)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[name] = labels
	return nil
}

// RemoveVolume deletes a named volume. Missing volumes are ignored.
func (p *Provider) RemoveVolume(ctx context.Context, name string, force bool) error {
	if p.RemoveVolumeFunc != nil {
		return p.RemoveVolumeFunc(ctx, name, force)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.volumes, name)
	return nil
}

// ExecStart returns a scripted stream. The default emits nothing and exits 0.
func (p *Provider) ExecStart(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (runtime.ExecStream, error) {
	if p.ExecStartFunc != nil {
		return p.ExecStartFunc(ctx, runtimeID, spec)
	}

	p.mu.RLock()
	c, ok := p.containers[runtimeID]
	p.mu.RUnlock()

	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "container %s not found", runtimeID)
	}
	if c.Status != runtime.StatusRunning {
		return nil, apperr.New(apperr.CodeRuntimeError, "container %s is not running", runtimeID)
	}
	return NewScriptedStream("", "", 0), nil
}

// CopyTo records the tar payload for assertions.
func (p *Provider) CopyTo(ctx context.Context, runtimeID, destPath string, content io.Reader) error {
	if p.CopyToFunc != nil {
		return p.CopyToFunc(ctx, runtimeID, destPath, content)
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.CopiedTo = append(p.CopiedTo, CopyRecord{RuntimeID: runtimeID, DestPath: destPath, Content: data})
	p.mu.Unlock()
	return nil
}

// CopyFrom serves tar bytes registered in TarContent.
func (p *Provider) CopyFrom(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error) {
	if p.CopyFromFunc != nil {
		return p.CopyFromFunc(ctx, runtimeID, srcPath)
	}

	p.mu.RLock()
	data, ok := p.TarContent[srcPath]
	p.mu.RUnlock()

	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "path %s not found", srcPath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// StatsSnapshot returns zeros unless overridden.
func (p *Provider) StatsSnapshot(ctx context.Context, runtimeID string) (*runtime.Stats, error) {
	if p.StatsFunc != nil {
		return p.StatsFunc(ctx, runtimeID)
	}
	return &runtime.Stats{}, nil
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}

// SeedContainer injects a container directly, bypassing Create. Used to
// simulate engine state that predates the test (reconciliation scenarios).
func (p *Provider) SeedContainer(info *runtime.ContainerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *info
	p.containers[info.RuntimeID] = &cp
}

// Containers returns a snapshot of all registered containers.
func (p *Provider) Containers() map[string]*runtime.ContainerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*runtime.ContainerInfo, len(p.containers))
	for k, v := range p.containers {
		cp := *v
		result[k] = &cp
	}
	return result
}

// Volumes returns a snapshot of all registered volumes and their labels.
func (p *Provider) Volumes() map[string]map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]map[string]string, len(p.volumes))
	for name, labels := range p.volumes {
		cp := make(map[string]string, len(labels))
		for k, v := range labels {
			cp[k] = v
		}
		result[name] = cp
	}
	return result
}

// PulledImages returns every image EnsureImage was asked for.
func (p *Provider) PulledImages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.pulled...)
}

// Stream is a scriptable runtime.ExecStream. Tests drive it with WriteStdout,
// WriteStderr and Exit; readers see EOF once Exit is called.
type Stream struct {
	mu       sync.Mutex
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	stderrR  *io.PipeReader
	stderrW  *io.PipeWriter
	done     chan struct{}
	exited   bool
	exitCode int
	signals  []string

	// SignalFunc overrides default signal handling (record only).
	SignalFunc func(ctx context.Context, sig string) error
}

// NewStream creates an open stream the test drives explicitly.
func NewStream() *Stream {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &Stream{
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		done:    make(chan struct{}),
	}
}

// NewScriptedStream creates a stream that writes the given output and exits.
func NewScriptedStream(stdout, stderr string, exitCode int) *Stream {
	s := NewStream()
	go func() {
		if stdout != "" {
			s.WriteStdout([]byte(stdout))
		}
		if stderr != "" {
			s.WriteStderr([]byte(stderr))
		}
		s.Exit(exitCode)
	}()
	return s
}

// WriteStdout appends to the stdout stream. Blocks until the reader consumes.
func (s *Stream) WriteStdout(b []byte) {
	_, _ = s.stdoutW.Write(b)
}

// WriteStderr appends to the stderr stream. Blocks until the reader consumes.
func (s *Stream) WriteStderr(b []byte) {
	_, _ = s.stderrW.Write(b)
}

// Exit marks the process as exited with the given code. Idempotent.
func (s *Stream) Exit(code int) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()

	_ = s.stdoutW.Close()
	_ = s.stderrW.Close()
	close(s.done)
}

// Signals returns the signals delivered so far.
func (s *Stream) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *Stream) Stdout() io.Reader {
	return s.stdoutR
}

func (s *Stream) Stderr() io.Reader {
	return s.stderrR
}

func (s *Stream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitCode, nil
	}
}

func (s *Stream) Signal(ctx context.Context, sig string) error {
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	fn := s.SignalFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, sig)
	}
	return nil
}

func (s *Stream) Close() error {
	s.Exit(-1)
	return nil
}
