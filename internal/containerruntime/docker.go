package containerruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy   = "corekernel.managed-by"
	labelExecutionID = "corekernel.execution-id"
	labelLanguage    = "corekernel.language"
	labelUserID      = "corekernel.user-id"
	labelTenantID    = "corekernel.tenant-id"
	labelCreatedAt   = "corekernel.created-at"
	labelAllowedPorts = "corekernel.allowed-ports"
	managedByValue   = "corekernel-sandbox"

	workDir = "/work"
)

// DockerAdapter implements Runtime against the Docker Engine API. It tracks
// each created container's state in-memory; Reap does not consult that
// record and finds containers through Docker label filters instead.
type DockerAdapter struct {
	client *dockerclient.Client

	mu       sync.Mutex
	tracked  map[string]trackedContainer
	observer LifecycleObserver
}

type trackedContainer struct {
	executionID string
	state       State
	createdAt   time.Time
}

// NewDockerAdapter creates an adapter using DOCKER_HOST or the default
// socket, negotiating the API version with the daemon.
func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("containerruntime: docker client: %w", err)
	}
	return &DockerAdapter{client: cli, tracked: make(map[string]trackedContainer)}, nil
}

// OnLifecycleEvent registers a callback invoked on every tracked state
// transition, used to bridge into the event bus.
func (a *DockerAdapter) OnLifecycleEvent(fn LifecycleObserver) {
	a.observer = fn
}

func (a *DockerAdapter) transition(containerID, executionID string, from, to State, transitionErr error) {
	a.mu.Lock()
	a.tracked[containerID] = trackedContainer{
		executionID: executionID,
		state:       to,
		createdAt:   a.trackedCreatedAt(containerID),
	}
	a.mu.Unlock()

	if a.observer != nil {
		a.observer(LifecycleEvent{
			ContainerID: containerID,
			ExecutionID: executionID,
			From:        from,
			To:          to,
			At:          time.Now(),
			Err:         transitionErr,
		})
	}
}

func (a *DockerAdapter) trackedCreatedAt(containerID string) time.Time {
	if existing, ok := a.tracked[containerID]; ok && !existing.createdAt.IsZero() {
		return existing.createdAt
	}
	return time.Now()
}

func (a *DockerAdapter) Available(ctx context.Context) error {
	_, err := a.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("containerruntime: docker unavailable: %w", err)
	}
	return nil
}

func (a *DockerAdapter) HasImage(ctx context.Context, imageRef string) (bool, error) {
	_, err := a.client.ImageInspect(ctx, imageRef)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("containerruntime: inspect image: %w", err)
	}
	return true, nil
}

func (a *DockerAdapter) PullImage(ctx context.Context, imageRef string) error {
	reader, err := a.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("containerruntime: pull image %s: %w", imageRef, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("containerruntime: drain pull stream: %w", err)
	}
	return nil
}

// CreateContainer materializes the hardened isolation posture for a sandbox
// execution: no-new-privileges, read-only root with a writable tmpfs work
// dir, non-root uid/gid, and network disabled unless the request explicitly
// enables it. All capabilities are dropped only when req.DropAllCapabilities
// is set, and a seccomp profile is applied only when req.SeccompProfile is
// non-empty.
func (a *DockerAdapter) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	labels := map[string]string{
		labelManagedBy:   managedByValue,
		labelExecutionID: req.ExecutionID,
		labelLanguage:    req.Language,
		labelCreatedAt:   strconv.FormatInt(time.Now().Unix(), 10),
	}
	if req.UserID != "" {
		labels[labelUserID] = req.UserID
	}
	if req.TenantID != "" {
		labels[labelTenantID] = req.TenantID
	}
	if len(req.AllowedPorts) > 0 {
		ports := make([]string, len(req.AllowedPorts))
		for i, p := range req.AllowedPorts {
			ports[i] = strconv.Itoa(p)
		}
		labels[labelAllowedPorts] = strings.Join(ports, ",")
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	securityOpt := []string{"no-new-privileges"}
	if req.SeccompProfile != "" {
		securityOpt = append(securityOpt, "seccomp="+req.SeccompProfile)
	}

	var capDrop []string
	if req.DropAllCapabilities {
		capDrop = []string{"ALL"}
	}

	networkMode := container.NetworkMode("none")
	if req.NetworkEnabled {
		networkMode = container.NetworkMode("bridge")
	}

	tmpfsSize := req.WorkDirSizeBytes
	if tmpfsSize <= 0 {
		tmpfsSize = 64 * 1024 * 1024
	}

	cfg := &container.Config{
		Image:      req.Image,
		Cmd:        req.Command,
		Env:        env,
		Labels:     labels,
		WorkingDir: workDir,
		User:       fmt.Sprintf("%d:%d", req.UID, req.GID),
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			workDir: fmt.Sprintf("size=%d", tmpfsSize),
		},
		SecurityOpt: securityOpt,
		CapDrop:     capDrop,
		NetworkMode: networkMode,
		DNS:         req.DNSServers,
		Resources: container.Resources{
			Memory:     req.MemoryBytes,
			MemorySwap: req.MemoryBytes, // no swap beyond the memory cap
			NanoCPUs:   int64(req.CPUs * 1e9),
			PidsLimit:  &req.PidsLimit,
		},
	}

	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		a.transition("", req.ExecutionID, StateCreating, StateError, err)
		return "", fmt.Errorf("containerruntime: create container: %w", err)
	}

	a.transition(resp.ID, req.ExecutionID, StateCreating, StateCreated, nil)
	return resp.ID, nil
}

func (a *DockerAdapter) Start(ctx context.Context, containerID string) error {
	if err := a.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		a.transition(containerID, a.executionIDFor(containerID), StateCreated, StateError, err)
		return fmt.Errorf("containerruntime: start container: %w", err)
	}
	a.transition(containerID, a.executionIDFor(containerID), StateCreated, StateRunning, nil)
	return nil
}

func (a *DockerAdapter) executionIDFor(containerID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracked[containerID].executionID
}

func (a *DockerAdapter) WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (ExitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := a.client.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if waitCtx.Err() != nil {
			_ = a.forceStopOnTimeout(ctx, containerID)
			return ExitResult{}, ErrTimeout
		}
		return ExitResult{}, fmt.Errorf("containerruntime: wait for exit: %w", err)
	case status := <-statusCh:
		inspect, inspectErr := a.client.ContainerInspect(ctx, containerID)
		oomKilled := inspectErr == nil && inspect.State != nil && inspect.State.OOMKilled
		a.transition(containerID, a.executionIDFor(containerID), StateRunning, StateStopped, nil)
		return ExitResult{ExitCode: int(status.StatusCode), OOMKilled: oomKilled}, nil
	case <-waitCtx.Done():
		_ = a.forceStopOnTimeout(ctx, containerID)
		return ExitResult{}, ErrTimeout
	}
}

func (a *DockerAdapter) forceStopOnTimeout(ctx context.Context, containerID string) error {
	timeoutSeconds := 0
	err := a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	a.transition(containerID, a.executionIDFor(containerID), StateRunning, StateStopped, ErrTimeout)
	return err
}

func (a *DockerAdapter) GetLogs(ctx context.Context, containerID string) (Logs, error) {
	reader, err := a.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return Logs{}, fmt.Errorf("containerruntime: get logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return Logs{}, fmt.Errorf("containerruntime: demux logs: %w", err)
	}
	return Logs{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func (a *DockerAdapter) GetStats(ctx context.Context, containerID string) (Stats, error) {
	resp, err := a.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Stats{}, fmt.Errorf("containerruntime: get stats: %w", err)
	}
	defer resp.Body.Close()

	var raw struct {
		MemoryStats struct {
			Usage int64 `json:"usage"`
		} `json:"memory_stats"`
	}
	if err := jsonDecode(resp.Body, &raw); err != nil {
		return Stats{}, fmt.Errorf("containerruntime: decode stats: %w", err)
	}
	return Stats{MemoryUsedBytes: raw.MemoryStats.Usage}, nil
}

func (a *DockerAdapter) Stop(ctx context.Context, containerID string) error {
	timeoutSeconds := 5
	err := a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("containerruntime: stop container: %w", err)
	}
	a.transition(containerID, a.executionIDFor(containerID), StateRunning, StateStopped, nil)
	return nil
}

func (a *DockerAdapter) Remove(ctx context.Context, containerID string) error {
	err := a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("containerruntime: remove container: %w", err)
	}

	a.transition(containerID, a.executionIDFor(containerID), StateStopped, StateRemoved, nil)
	a.mu.Lock()
	delete(a.tracked, containerID)
	a.mu.Unlock()
	return nil
}

// Reap lists every container carrying the managed-by label and
// force-removes those whose created-at label is not after cutoff. Because
// it works from the label-filtered list alone, containers left by an
// earlier process are reaped too.
func (a *DockerAdapter) Reap(ctx context.Context, cutoff time.Time) (int, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("containerruntime: list containers for reap: %w", err)
	}

	removed := 0
	for _, c := range containers {
		createdAt, ok := c.Labels[labelCreatedAt]
		if !ok {
			continue
		}
		unixSeconds, convErr := strconv.ParseInt(createdAt, 10, 64)
		if convErr != nil {
			continue
		}
		if time.Unix(unixSeconds, 0).After(cutoff) {
			continue
		}
		if err := a.Remove(ctx, c.ID); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

func jsonDecode(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
