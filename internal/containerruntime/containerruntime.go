// Package containerruntime defines the capability the sandbox orchestrator
// depends on for isolated code execution, plus a Docker Engine-backed
// implementation adapted from the Docker Engine API adapter pattern used
// elsewhere in the example corpus.
package containerruntime

import (
	"context"
	"errors"
	"time"
)

// State is a tracked container's lifecycle stage.
type State string

const (
	StateCreating State = "creating"
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateRemoved  State = "removed"
	StateError    State = "error"
)

// ErrTimeout is returned by WaitForExit when the container did not exit
// within the requested deadline and had to be force-stopped. It is
// distinguishable from a normal exit via errors.Is.
var ErrTimeout = errors.New("containerruntime: execution timed out")

// CreateRequest describes the isolation and resource posture of a
// container to be created for one sandbox execution.
type CreateRequest struct {
	ExecutionID string
	Language    string
	UserID      string
	TenantID    string

	Image   string
	Command []string
	Env     map[string]string

	// WorkDir is mounted as a writable tmpfs; the root filesystem is
	// read-only.
	WorkDirSizeBytes int64

	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64

	NetworkEnabled bool
	AllowedHosts   []string
	AllowedPorts   []int
	DNSServers     []string

	DropAllCapabilities bool
	NoNewPrivileges     bool
	SeccompProfile      string
	UID                 int
	GID                 int
}

// ExitResult is returned by WaitForExit on a normal (non-timeout) exit.
type ExitResult struct {
	ExitCode  int
	OOMKilled bool
}

// Logs holds the captured stdout/stderr for a container, already bounded
// by the adapter's own buffering limits.
type Logs struct {
	Stdout []byte
	Stderr []byte
}

// Stats is a point-in-time resource snapshot.
type Stats struct {
	MemoryUsedBytes int64
}

// LifecycleEvent is emitted on every state transition so the orchestrator
// (or anything else subscribed via the event bus) can observe progress.
type LifecycleEvent struct {
	ContainerID string
	ExecutionID string
	From        State
	To          State
	At          time.Time
	Err         error
}

// LifecycleObserver receives a callback on every tracked state transition.
type LifecycleObserver func(LifecycleEvent)

// Runtime is the capability the sandbox orchestrator (C5) depends on. The
// Docker-backed adapter and the in-memory fake both satisfy it, so the
// orchestrator never imports docker/docker directly.
type Runtime interface {
	// Available probes whether the runtime is reachable and healthy.
	Available(ctx context.Context) error

	HasImage(ctx context.Context, imageRef string) (bool, error)
	PullImage(ctx context.Context, imageRef string) error

	// CreateContainer materializes an isolated container for req and
	// returns its id. The container is left in StateCreated; Start must
	// be called separately.
	CreateContainer(ctx context.Context, req CreateRequest) (containerID string, err error)
	Start(ctx context.Context, containerID string) error

	// WaitForExit blocks until the container exits or timeout elapses.
	// On timeout it force-stops the container and returns ErrTimeout.
	WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (ExitResult, error)

	GetLogs(ctx context.Context, containerID string) (Logs, error)
	GetStats(ctx context.Context, containerID string) (Stats, error)

	// Stop and Remove are idempotent: calling them on an already
	// stopped/removed container is not an error.
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error

	// Reap enumerates tracked containers and force-removes those created
	// before cutoff, returning the count removed.
	Reap(ctx context.Context, cutoff time.Time) (int, error)
}
