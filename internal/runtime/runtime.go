// Package runtime abstracts the container engine behind a capability
// interface so the rest of the server never touches the Docker SDK directly.
// The control plane records intent in the state store and uses this interface
// to make the engine match; the reconciler uses it to discover drift.
package runtime

import (
	"context"
	"io"
	"time"
)

// Label keys attached to every container and volume managed by this server.
// The reconciler uses them to find adoptable containers after a restart.
const (
	// LabelManaged marks a container as owned by this server.
	LabelManaged = "devbench"

	// LabelManagedValue is the value stored under LabelManaged.
	LabelManagedValue = "true"

	// LabelContainerID carries the logical container ID (c_<uuid>).
	LabelContainerID = "devbench.container.id"

	// LabelAlias carries the user-supplied alias, if any.
	LabelAlias = "devbench.alias"

	// LabelWarm marks an unclaimed warm-pool container.
	LabelWarm = "devbench.warm"
)

// ManagedSelector returns the label selector matching every container this
// server owns.
func ManagedSelector() map[string]string {
	return map[string]string{LabelManaged: LabelManagedValue}
}

// Runtime is the capability surface of a container engine. Implementations
// translate these calls into engine API requests and classify failures into
// the server's error taxonomy; they hold no policy and no durable state.
type Runtime interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// EnsureImage makes the image available locally, pulling it if missing.
	// registryAuth is an opaque engine credential (base64 auth config);
	// empty means anonymous.
	EnsureImage(ctx context.Context, image, registryAuth string) error

	// ImageDigest returns the repo digest (sha256:...) of a local image.
	ImageDigest(ctx context.Context, image string) (string, error)

	// CreateContainer creates a stopped container and returns the
	// engine-assigned ID. The container is hardened per opts regardless of
	// image defaults.
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, runtimeID string) error

	// StopContainer stops a running container, force-killing after timeout.
	StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error

	// RemoveContainer removes a container. With force set it is killed first.
	// Named volumes are never removed here; use RemoveVolume.
	RemoveContainer(ctx context.Context, runtimeID string, force bool) error

	// InspectContainer returns the current engine-side state of a container.
	InspectContainer(ctx context.Context, runtimeID string) (*ContainerInfo, error)

	// ListContainers returns all containers (running or not) whose labels
	// match the selector.
	ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error)

	// CreateVolume creates a named volume. Creating an existing volume is
	// not an error.
	CreateVolume(ctx context.Context, name string, labels map[string]string) error

	// RemoveVolume removes a named volume. Removing a missing volume is not
	// an error.
	RemoveVolume(ctx context.Context, name string, force bool) error

	// ExecStart starts a non-interactive process inside a running container
	// and returns a stream over its demultiplexed output. The process runs
	// until it exits or is signalled through the stream.
	ExecStart(ctx context.Context, runtimeID string, spec ExecSpec) (ExecStream, error)

	// CopyTo extracts a tar stream into destPath inside the container.
	CopyTo(ctx context.Context, runtimeID, destPath string, content io.Reader) error

	// CopyFrom returns a tar stream of srcPath inside the container.
	// The caller must close the reader.
	CopyFrom(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error)

	// StatsSnapshot returns a point-in-time resource usage sample for a
	// running container.
	StatsSnapshot(ctx context.Context, runtimeID string) (*Stats, error)

	// Close releases the engine connection.
	Close() error
}

// Status is the engine-side state of a container, reduced to the four states
// the control plane cares about.
type Status string

const (
	StatusCreated Status = "created" // container exists but was never started
	StatusRunning Status = "running" // container is running
	StatusStopped Status = "stopped" // container exited cleanly or was stopped
	StatusFailed  Status = "failed"  // container crashed or was OOM-killed
)

// CreateOptions configures container creation. Every container gets the same
// hardening: non-root user, all capabilities dropped, no-new-privileges,
// read-only root filesystem with a writable workspace volume and a tmpfs /tmp,
// and never the privileged flag.
type CreateOptions struct {
	Name            string            // engine container name
	Image           string            // resolved image reference
	Env             map[string]string // extra environment variables
	Labels          map[string]string // merged with the managed labels
	WorkspaceVolume string            // named volume mounted read-write at WorkspaceMount
	WorkspaceMount  string            // mount point inside the container (e.g. /workspace)
	User            string            // uid:gid, e.g. "1000:1000"
	MemoryBytes     int64             // memory limit; swap is pinned to the same value
	NanoCPUs        int64             // CPU limit in units of 1e-9 CPUs
	PidsLimit       int64             // max processes
	NetworkMode     string            // "bridge" or "none"
}

// ContainerInfo is the engine-side view of a container. The reconciler reads
// Labels and WorkspaceVolume to adopt containers that survived a restart.
type ContainerInfo struct {
	RuntimeID       string            // engine-assigned container ID
	Name            string            // engine container name
	Image           string            // image the container was created from
	Status          Status            // reduced engine state
	ExitCode        int               // last exit code when not running
	Labels          map[string]string // container labels
	WorkspaceVolume string            // named volume mounted at the workspace path, if any
	CreatedAt       time.Time         // engine creation time
	StartedAt       *time.Time        // nil if never started
	FinishedAt      *time.Time        // nil if still running
}

// ExecSpec configures a process started inside a container. Argv is passed
// to the engine verbatim; no shell interpretation happens here.
type ExecSpec struct {
	Argv []string          // command and arguments, argv[0] is the binary
	Cwd  string            // working directory; empty means the container default
	Env  map[string]string // extra environment variables
	User string            // uid, e.g. "1000" or "0"; empty for the container default
}

// ExecStream is a handle on a running exec'd process. Stdout and Stderr are
// demultiplexed byte streams that reach EOF when the process exits.
type ExecStream interface {
	// Stdout returns the standard output stream.
	Stdout() io.Reader

	// Stderr returns the standard error stream.
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Signal delivers a signal by name ("TERM", "KILL") to the process.
	Signal(ctx context.Context, sig string) error

	// Close tears down the stream without waiting for the process.
	Close() error
}

// Stats is a point-in-time resource usage sample for a container.
type Stats struct {
	CPUNanos        uint64 // cumulative CPU time consumed
	MemoryBytes     uint64 // current memory usage
	MemoryPeakBytes uint64 // peak memory usage where the engine reports it
}
