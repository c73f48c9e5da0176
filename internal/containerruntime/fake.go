package containerruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeOutcome scripts how a fake container behaves once started, keyed by
// the image reference used to create it. Tests set this up to exercise the
// orchestrator's normal, timeout, and OOM paths without a Docker daemon.
type FakeOutcome struct {
	ExitCode   int
	OOMKilled  bool
	Hang       bool // never exits; WaitForExit must time out
	Stdout     []byte
	Stderr     []byte
	MemoryUsed int64
	CreateErr  error
	StartErr   error
}

type fakeContainer struct {
	id          string
	executionID string
	state       State
	image       string
	createdAt   time.Time
}

// Fake is an in-memory Runtime used by sandbox tests. It never shells out
// to Docker; behavior per container is driven by Outcomes keyed by image.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	Outcomes   map[string]FakeOutcome
	observer   LifecycleObserver

	AvailableErr error
}

// NewFake creates an empty Fake runtime with no images present.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		Outcomes:   make(map[string]FakeOutcome),
	}
}

func (f *Fake) OnLifecycleEvent(fn LifecycleObserver) { f.observer = fn }

func (f *Fake) emit(containerID, executionID string, from, to State, err error) {
	if f.observer != nil {
		f.observer(LifecycleEvent{ContainerID: containerID, ExecutionID: executionID, From: from, To: to, At: time.Now(), Err: err})
	}
}

func (f *Fake) Available(ctx context.Context) error { return f.AvailableErr }

func (f *Fake) HasImage(ctx context.Context, imageRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[imageRef], nil
}

func (f *Fake) PullImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[imageRef] = true
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	outcome := f.Outcomes[req.Image]
	if outcome.CreateErr != nil {
		f.emit("", req.ExecutionID, StateCreating, StateError, outcome.CreateErr)
		return "", outcome.CreateErr
	}

	id := uuid.New().String()
	f.mu.Lock()
	f.containers[id] = &fakeContainer{id: id, executionID: req.ExecutionID, state: StateCreated, image: req.Image, createdAt: time.Now()}
	f.mu.Unlock()

	f.emit(id, req.ExecutionID, StateCreating, StateCreated, nil)
	return id, nil
}

func (f *Fake) Start(ctx context.Context, containerID string) error {
	c, ok := f.get(containerID)
	if !ok {
		return fmt.Errorf("containerruntime: unknown container %s", containerID)
	}
	outcome := f.Outcomes[c.image]
	if outcome.StartErr != nil {
		f.setState(containerID, StateError)
		f.emit(containerID, c.executionID, StateCreated, StateError, outcome.StartErr)
		return outcome.StartErr
	}
	f.setState(containerID, StateRunning)
	f.emit(containerID, c.executionID, StateCreated, StateRunning, nil)
	return nil
}

func (f *Fake) WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (ExitResult, error) {
	c, ok := f.get(containerID)
	if !ok {
		return ExitResult{}, fmt.Errorf("containerruntime: unknown container %s", containerID)
	}
	outcome := f.Outcomes[c.image]

	if outcome.Hang {
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
		}
		f.setState(containerID, StateStopped)
		f.emit(containerID, c.executionID, StateRunning, StateStopped, ErrTimeout)
		return ExitResult{}, ErrTimeout
	}

	f.setState(containerID, StateStopped)
	f.emit(containerID, c.executionID, StateRunning, StateStopped, nil)
	return ExitResult{ExitCode: outcome.ExitCode, OOMKilled: outcome.OOMKilled}, nil
}

func (f *Fake) GetLogs(ctx context.Context, containerID string) (Logs, error) {
	c, ok := f.get(containerID)
	if !ok {
		return Logs{}, fmt.Errorf("containerruntime: unknown container %s", containerID)
	}
	outcome := f.Outcomes[c.image]
	return Logs{Stdout: outcome.Stdout, Stderr: outcome.Stderr}, nil
}

func (f *Fake) GetStats(ctx context.Context, containerID string) (Stats, error) {
	c, ok := f.get(containerID)
	if !ok {
		return Stats{}, fmt.Errorf("containerruntime: unknown container %s", containerID)
	}
	outcome := f.Outcomes[c.image]
	return Stats{MemoryUsedBytes: outcome.MemoryUsed}, nil
}

func (f *Fake) Stop(ctx context.Context, containerID string) error {
	c, ok := f.get(containerID)
	if !ok {
		return nil
	}
	f.setState(containerID, StateStopped)
	f.emit(containerID, c.executionID, c.state, StateStopped, nil)
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	c, ok := f.containers[containerID]
	if ok {
		delete(f.containers, containerID)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	f.emit(containerID, c.executionID, c.state, StateRemoved, nil)
	return nil
}

func (f *Fake) Reap(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for id, c := range f.containers {
		if c.createdAt.Before(cutoff) {
			delete(f.containers, id)
			removed++
		}
	}
	return removed, nil
}

func (f *Fake) get(containerID string) (*fakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return c, ok
}

func (f *Fake) setState(containerID string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.state = state
	}
}

// Count reports the number of containers currently tracked, mostly for
// tests asserting Reap/Remove behavior.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
