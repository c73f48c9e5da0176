// Package sandbox implements the sandbox execution orchestrator (C5): it
// validates submissions, enforces a concurrency cap, drives the container
// runtime adapter through a full create/start/wait/collect lifecycle, and
// records every outcome to the audit log and event bus.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/corekernel/internal/audit"
	"github.com/r3e-network/corekernel/internal/containerruntime"
	"github.com/r3e-network/corekernel/internal/eventbus"
	"github.com/r3e-network/corekernel/internal/logging"
)

// Supported languages. The runtime image is resolved from this set; an
// unlisted language is rejected at admission.
const (
	LanguageBash   = "bash"
	LanguagePython = "python"
	LanguageJS     = "javascript"
)

var supportedLanguages = map[string]string{
	LanguageBash:   "corekernel/sandbox-bash:latest",
	LanguagePython: "corekernel/sandbox-python:latest",
	LanguageJS:     "corekernel/sandbox-js:latest",
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	maxCodeBytes      = 1 << 20 // 1 MiB
	maxFiles          = 10
	defaultMaxFileSize = 256 * 1024
)

// Limits is the validated schema per-request Config overrides are clamped
// against. It mirrors the environment-driven sandbox configuration schema.
// Zero-valued fields fall back to Defaults (code size and file count to the
// package constants), and a zero maximum disables that clamp.
type Limits struct {
	DefaultTimeoutMs   int64
	MaxTimeoutMs       int64
	MaxCodeBytes       int64
	MaxOutputBytes     int64
	MaxFileSizeBytes   int64
	MaxFiles           int
	DefaultMemoryBytes int64
	MaxMemoryBytes     int64
	DefaultCPUs        float64
	MaxCPUs            float64
	DefaultPidsLimit   int64
	SupportedLanguages []string
}

// defaultLimits is used when New is not given an explicit Limits, keeping
// prior hard-coded behavior as the baseline.
var defaultLimits = Limits{
	DefaultTimeoutMs:   Defaults.TimeoutMs,
	MaxTimeoutMs:       10 * 60_000,
	MaxCodeBytes:       maxCodeBytes,
	MaxOutputBytes:     Defaults.Resources.MaxOutputBytes,
	MaxFileSizeBytes:   defaultMaxFileSize,
	MaxFiles:           maxFiles,
	DefaultMemoryBytes: Defaults.Resources.MemoryBytes,
	MaxMemoryBytes:     4 * 1024 * 1024 * 1024,
	DefaultCPUs:        Defaults.Resources.CPUs,
	MaxCPUs:            4,
	DefaultPidsLimit:   Defaults.Resources.PidsLimit,
	SupportedLanguages: []string{LanguageBash, LanguagePython, LanguageJS},
}

// File is one of up to 10 extra files written into the execution's work
// directory before the entry point runs.
type File struct {
	Path           string
	Content        []byte
	ExecutableFlag bool
}

// Request is a single sandbox submission.
type Request struct {
	ExecutionID   string
	Language      string
	Code          []byte
	Stdin         []byte
	Env           map[string]string
	Files         []File
	Config        Config
	UserID        string
	TenantID      string
	CorrelationID string
	ClientIP      string
	UserAgent     string
}

// NetworkConfig governs outbound network access from within the container.
type NetworkConfig struct {
	Enabled      bool
	AllowedHosts []string
	AllowedPorts []int
	DNSServers   []string
}

// ResourceConfig bounds the resources a single execution may consume.
type ResourceConfig struct {
	MemoryBytes     int64
	MemorySwapBytes int64
	CPUs            float64
	PidsLimit       int64
	MaxOutputBytes  int64
	MaxFileSizeBytes int64
}

// ImagePullPolicy governs whether/when a missing image is pulled.
type ImagePullPolicy string

const (
	ImagePullAlways       ImagePullPolicy = "always"
	ImagePullIfNotPresent ImagePullPolicy = "if-not-present"
	ImagePullNever        ImagePullPolicy = "never"
)

// Config is the per-execution sandbox configuration; zero-valued fields in
// a caller-supplied override fall back to Defaults.
type Config struct {
	TimeoutMs           int64
	Resources           ResourceConfig
	Network             NetworkConfig
	ReadOnlyRootFS      bool
	DropAllCapabilities bool
	UseSeccomp          bool
	RunAsNonRoot        bool
	UserID              int
	GroupID             int
	WorkDir             string
	ImagePullPolicy     ImagePullPolicy
}

// Defaults is the baseline Config every submission is merged against.
// Fields left zero on the caller's override fall back to these values.
var Defaults = Config{
	TimeoutMs: 30_000,
	Resources: ResourceConfig{
		MemoryBytes:      256 * 1024 * 1024,
		MemorySwapBytes:  256 * 1024 * 1024,
		CPUs:             1.0,
		PidsLimit:        128,
		MaxOutputBytes:   64 * 1024,
		MaxFileSizeBytes: defaultMaxFileSize,
	},
	Network:             NetworkConfig{Enabled: false},
	ReadOnlyRootFS:      true,
	DropAllCapabilities: true,
	UseSeccomp:          true,
	RunAsNonRoot:        true,
	UserID:              65534,
	GroupID:             65534,
	WorkDir:             "/work",
	ImagePullPolicy:     ImagePullIfNotPresent,
}

// mergeConfig merges override onto the orchestrator's defaults, then clamps
// timeout, memory and CPUs to o.limits' hard caps per §4.5.1 step 3. Output
// and file-size overrides are taken as given, not capped.
func (o *Orchestrator) mergeConfig(override Config) Config {
	cfg := Defaults
	if o.limits.DefaultTimeoutMs > 0 {
		cfg.TimeoutMs = o.limits.DefaultTimeoutMs
	}
	if o.limits.DefaultMemoryBytes > 0 {
		cfg.Resources.MemoryBytes = o.limits.DefaultMemoryBytes
	}
	if o.limits.DefaultCPUs > 0 {
		cfg.Resources.CPUs = o.limits.DefaultCPUs
	}
	if o.limits.DefaultPidsLimit > 0 {
		cfg.Resources.PidsLimit = o.limits.DefaultPidsLimit
	}
	if o.limits.MaxOutputBytes > 0 {
		cfg.Resources.MaxOutputBytes = o.limits.MaxOutputBytes
	}
	if o.limits.MaxFileSizeBytes > 0 {
		cfg.Resources.MaxFileSizeBytes = o.limits.MaxFileSizeBytes
	}

	if override.TimeoutMs > 0 {
		cfg.TimeoutMs = override.TimeoutMs
	}
	if override.Resources.MemoryBytes > 0 {
		cfg.Resources.MemoryBytes = override.Resources.MemoryBytes
	}
	if override.Resources.MemorySwapBytes > 0 {
		cfg.Resources.MemorySwapBytes = override.Resources.MemorySwapBytes
	}
	if override.Resources.CPUs > 0 {
		cfg.Resources.CPUs = override.Resources.CPUs
	}
	if override.Resources.PidsLimit > 0 {
		cfg.Resources.PidsLimit = override.Resources.PidsLimit
	}
	if override.Resources.MaxOutputBytes > 0 {
		cfg.Resources.MaxOutputBytes = override.Resources.MaxOutputBytes
	}
	if override.Resources.MaxFileSizeBytes > 0 {
		cfg.Resources.MaxFileSizeBytes = override.Resources.MaxFileSizeBytes
	}
	if override.Network.Enabled {
		cfg.Network = override.Network
	}
	if override.WorkDir != "" {
		cfg.WorkDir = override.WorkDir
	}
	if override.ImagePullPolicy != "" {
		cfg.ImagePullPolicy = override.ImagePullPolicy
	}
	// Hardening flags only ever tighten relative to defaults (already true);
	// a caller cannot loosen ReadOnlyRootFS/DropAllCapabilities/UseSeccomp/
	// RunAsNonRoot via the zero value, since false looks identical to
	// "not set". Defaults already ship maximally hardened.

	if o.limits.MaxTimeoutMs > 0 && cfg.TimeoutMs > o.limits.MaxTimeoutMs {
		cfg.TimeoutMs = o.limits.MaxTimeoutMs
	}
	if o.limits.MaxMemoryBytes > 0 && cfg.Resources.MemoryBytes > o.limits.MaxMemoryBytes {
		cfg.Resources.MemoryBytes = o.limits.MaxMemoryBytes
	}
	if o.limits.MaxCPUs > 0 && cfg.Resources.CPUs > o.limits.MaxCPUs {
		cfg.Resources.CPUs = o.limits.MaxCPUs
	}
	return cfg
}

// Result is the outcome of one execution, success or failure.
type Result struct {
	ExecutionID     string
	Success         bool
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	DurationMs      int64
	MemoryUsedBytes int64
	TimedOut        bool
	OOMKilled       bool
	Error           string
	ContainerID     string
	CompletedAt     time.Time
}

// ErrorCode distinguishes failure paths per §4.5.5.
type ErrorCode string

const (
	ErrValidation     ErrorCode = "validation_failed"
	ErrTooManyInFlight ErrorCode = "too_many"
	ErrPullFailed     ErrorCode = "pull_failed"
	ErrCreateFailed   ErrorCode = "create_failed"
	ErrStartFailed    ErrorCode = "start_failed"
	ErrInternal       ErrorCode = "internal_error"
)

// Error wraps a distinguishable failure code with the underlying cause.
type Error struct {
	Code  ErrorCode
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func sandboxErr(code ErrorCode, cause error) error { return &Error{Code: code, Cause: cause} }

// ExecutionCompletedTopic/ExecutionFailedTopic/ExecutionTimeoutTopic/
// ExecutionOOMTopic are the event bus topics an execution's outcome is
// published to, selected by which of success/timedOut/oomKilled/error
// applies.
const (
	ExecutionCompletedTopic = "sandbox.execution.completed"
	ExecutionFailedTopic    = "sandbox.execution.failed"
	ExecutionTimeoutTopic   = "sandbox.execution.timeout"
	ExecutionOOMTopic       = "sandbox.execution.oom"
)

// ExecutionEvent is the payload published on every outcome topic.
type ExecutionEvent struct {
	ExecutionID string
	UserID      string
	TenantID    string
	Result      Result
}

type inFlightEntry struct {
	request     Request
	containerID string
	startedAt   time.Time
	cancel      context.CancelFunc
}

// Orchestrator is the C5 sandbox execution orchestrator.
type Orchestrator struct {
	runtime containerruntime.Runtime
	audit   audit.Store
	bus     *eventbus.Bus
	logger  *logging.Logger

	maxConcurrentExecutions int
	containerMaxAge         time.Duration
	auditRetention          time.Duration
	limits                  Limits

	mu       sync.Mutex
	inFlight map[string]*inFlightEntry

	clock func() time.Time
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithMaxConcurrentExecutions caps in-flight executions (default 10).
func WithMaxConcurrentExecutions(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrentExecutions = n }
}

// WithContainerMaxAge sets the age threshold Reap uses (default 10m).
func WithContainerMaxAge(d time.Duration) Option {
	return func(o *Orchestrator) { o.containerMaxAge = d }
}

// WithAuditRetention sets how long audit entries are kept (default 30d).
func WithAuditRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.auditRetention = d }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithLimits wires the validated sandbox configuration schema (hard caps and
// defaults) that every request's Config override is merged against and
// clamped to. Omitting this option leaves the orchestrator on defaultLimits.
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// New creates an Orchestrator wired to the given runtime, audit store, and
// event bus.
func New(runtime containerruntime.Runtime, auditStore audit.Store, bus *eventbus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runtime:                 runtime,
		audit:                   auditStore,
		bus:                     bus,
		maxConcurrentExecutions: 10,
		containerMaxAge:         10 * time.Minute,
		auditRetention:          30 * 24 * time.Hour,
		limits:                  defaultLimits,
		inFlight:                make(map[string]*inFlightEntry),
		clock:                   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) now() time.Time { return o.clock() }

// isSupportedLanguage reports whether lang is both a known image binding and
// (when the orchestrator's allow-list is non-empty) named in it.
func (o *Orchestrator) isSupportedLanguage(lang string) bool {
	if _, ok := supportedLanguages[lang]; !ok {
		return false
	}
	if len(o.limits.SupportedLanguages) == 0 {
		return true
	}
	for _, l := range o.limits.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// validate performs the structural checks of §4.5.1 step 1.
func (o *Orchestrator) validate(req Request, cfg Config) error {
	if !o.isSupportedLanguage(req.Language) {
		return fmt.Errorf("unsupported language %q", req.Language)
	}
	maxCode := o.limits.MaxCodeBytes
	if maxCode <= 0 {
		maxCode = maxCodeBytes
	}
	if int64(len(req.Code)) > maxCode {
		return fmt.Errorf("code exceeds maximum size of %d bytes", maxCode)
	}
	for name := range req.Env {
		if !envNamePattern.MatchString(name) {
			return fmt.Errorf("invalid env var name %q", name)
		}
	}
	maxFileCount := o.limits.MaxFiles
	if maxFileCount <= 0 {
		maxFileCount = maxFiles
	}
	if len(req.Files) > maxFileCount {
		return fmt.Errorf("too many files: %d exceeds limit of %d", len(req.Files), maxFileCount)
	}
	for _, f := range req.Files {
		if int64(len(f.Content)) > cfg.Resources.MaxFileSizeBytes {
			return fmt.Errorf("file %q exceeds maximum size of %d bytes", f.Path, cfg.Resources.MaxFileSizeBytes)
		}
	}
	if cfg.Network.Enabled && len(cfg.Network.AllowedHosts) == 0 {
		return fmt.Errorf("network.enabled requires at least one allowed host")
	}
	if req.Language == LanguageJS {
		if _, err := goja.Compile(req.ExecutionID, string(req.Code), true); err != nil {
			return fmt.Errorf("invalid javascript: %w", err)
		}
	}
	return nil
}

func codeHash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])[:16]
}

// Execute runs the full admission-through-cleanup lifecycle of §4.5.1 and
// §4.5.2. Once a request is admitted, an audit entry and an event are
// emitted whatever the outcome; requests rejected by validation or by the
// concurrency cap return before either is written.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	cfg := o.mergeConfig(req.Config)

	if err := o.validate(req, cfg); err != nil {
		return Result{}, sandboxErr(ErrValidation, err)
	}

	if err := o.admit(req); err != nil {
		return Result{}, err
	}
	defer o.release(req.ExecutionID)

	execCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.inFlight[req.ExecutionID].cancel = cancel
	o.mu.Unlock()
	defer cancel()

	startTime := o.now()
	result, execErr := o.runExecution(execCtx, req, cfg, startTime)

	o.recordAudit(ctx, req, cfg, result, startTime, execErr)
	o.publishOutcome(ctx, req, result, execErr)

	return result, execErr
}

func (o *Orchestrator) admit(req Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.inFlight) >= o.maxConcurrentExecutions {
		return sandboxErr(ErrTooManyInFlight, nil)
	}
	o.inFlight[req.ExecutionID] = &inFlightEntry{request: req, startedAt: o.now()}
	return nil
}

func (o *Orchestrator) release(executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, executionID)
}

func (o *Orchestrator) setContainerID(executionID, containerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.inFlight[executionID]; ok {
		e.containerID = containerID
	}
}

func (o *Orchestrator) runExecution(ctx context.Context, req Request, cfg Config, startTime time.Time) (Result, error) {
	image := supportedLanguages[req.Language]

	hasImage, err := o.runtime.HasImage(ctx, image)
	if err != nil {
		return o.failureResult(req, startTime, err), sandboxErr(ErrInternal, err)
	}
	if !hasImage {
		if cfg.ImagePullPolicy == ImagePullNever {
			err := fmt.Errorf("image %q not present and pull policy is never", image)
			return o.failureResult(req, startTime, err), sandboxErr(ErrPullFailed, err)
		}
		if err := o.runtime.PullImage(ctx, image); err != nil {
			return o.failureResult(req, startTime, err), sandboxErr(ErrPullFailed, err)
		}
	}

	containerID, err := o.runtime.CreateContainer(ctx, containerruntime.CreateRequest{
		ExecutionID:         req.ExecutionID,
		Language:            req.Language,
		UserID:              req.UserID,
		TenantID:            req.TenantID,
		Image:               image,
		Command:             []string{},
		Env:                 req.Env,
		WorkDirSizeBytes:    cfg.Resources.MaxFileSizeBytes * int64(len(req.Files)+1),
		MemoryBytes:         cfg.Resources.MemoryBytes,
		CPUs:                cfg.Resources.CPUs,
		PidsLimit:           cfg.Resources.PidsLimit,
		NetworkEnabled:      cfg.Network.Enabled,
		AllowedHosts:        cfg.Network.AllowedHosts,
		AllowedPorts:        cfg.Network.AllowedPorts,
		DNSServers:          cfg.Network.DNSServers,
		DropAllCapabilities: cfg.DropAllCapabilities,
		NoNewPrivileges:     true,
		SeccompProfile:      seccompProfileName(cfg.UseSeccomp),
		UID:                 cfg.UserID,
		GID:                 cfg.GroupID,
	})
	if err != nil {
		return o.failureResult(req, startTime, err), sandboxErr(ErrCreateFailed, err)
	}
	o.setContainerID(req.ExecutionID, containerID)

	defer func() {
		_ = o.runtime.Remove(context.Background(), containerID)
	}()

	if err := o.runtime.Start(ctx, containerID); err != nil {
		return o.failureResult(req, startTime, err, withContainerID(containerID)), sandboxErr(ErrStartFailed, err)
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	exit, waitErr := o.runtime.WaitForExit(ctx, containerID, timeout)

	timedOut := waitErr == containerruntime.ErrTimeout
	if waitErr != nil && !timedOut {
		return o.failureResult(req, startTime, waitErr, withContainerID(containerID)), sandboxErr(ErrInternal, waitErr)
	}

	logs, logsErr := o.runtime.GetLogs(ctx, containerID)
	if logsErr != nil {
		logs = containerruntime.Logs{}
	}
	stats, statsErr := o.runtime.GetStats(ctx, containerID)
	if statsErr != nil {
		stats = containerruntime.Stats{}
	}

	stdout := truncate(logs.Stdout, cfg.Resources.MaxOutputBytes)
	stderr := truncate(logs.Stderr, cfg.Resources.MaxOutputBytes)

	completedAt := o.now()
	result := Result{
		ExecutionID:     req.ExecutionID,
		Success:         exit.ExitCode == 0 && !timedOut && !exit.OOMKilled,
		ExitCode:        exit.ExitCode,
		Stdout:          stdout,
		Stderr:          stderr,
		DurationMs:      completedAt.Sub(startTime).Milliseconds(),
		MemoryUsedBytes: stats.MemoryUsedBytes,
		TimedOut:        timedOut,
		OOMKilled:       exit.OOMKilled,
		ContainerID:     containerID,
		CompletedAt:     completedAt,
	}
	if timedOut {
		result.Error = "execution timed out"
	}
	return result, nil
}

func seccompProfileName(enabled bool) string {
	if !enabled {
		return ""
	}
	return "default"
}

type resultOption func(*Result)

func withContainerID(id string) resultOption {
	return func(r *Result) { r.ContainerID = id }
}

func (o *Orchestrator) failureResult(req Request, startTime time.Time, err error, opts ...resultOption) Result {
	completedAt := o.now()
	r := Result{
		ExecutionID: req.ExecutionID,
		Success:     false,
		Error:       err.Error(),
		DurationMs:  completedAt.Sub(startTime).Milliseconds(),
		CompletedAt: completedAt,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// truncate bounds b to maxBytes, appending a visible marker noting the
// number of omitted bytes when truncation occurs.
func truncate(b []byte, maxBytes int64) []byte {
	if maxBytes <= 0 || int64(len(b)) <= maxBytes {
		return b
	}
	// The marker's length decides how much is kept, and what is kept decides
	// the omitted count the marker reports; iterate until both agree.
	keep := maxBytes
	var marker []byte
	for {
		marker = []byte(fmt.Sprintf("\n...[truncated, %d bytes omitted]\n", int64(len(b))-keep))
		next := maxBytes - int64(len(marker))
		if next < 0 {
			next = 0
		}
		if next == keep {
			break
		}
		keep = next
	}
	out := make([]byte, 0, keep+int64(len(marker)))
	out = append(out, b[:keep]...)
	out = append(out, marker...)
	return out
}

func (o *Orchestrator) recordAudit(ctx context.Context, req Request, cfg Config, result Result, startTime time.Time, execErr error) {
	if o.audit == nil {
		return
	}
	success := result.Success
	errMsg := result.Error
	if execErr != nil {
		success = false
		if errMsg == "" {
			errMsg = execErr.Error()
		}
	}

	var exitCode *int
	if execErr == nil {
		ec := result.ExitCode
		exitCode = &ec
	}
	var memUsed *int64
	if result.MemoryUsedBytes > 0 {
		m := result.MemoryUsedBytes
		memUsed = &m
	}

	entry := audit.Entry{
		Action:          "sandbox.execution",
		Severity:        "info",
		Actor:           req.UserID,
		TenantID:        req.TenantID,
		CorrelationID:   req.CorrelationID,
		Success:         success,
		Error:           errMsg,
		StartTime:       startTime,
		EndTime:         result.CompletedAt,
		ExecutionID:     req.ExecutionID,
		Language:        req.Language,
		CodeHash:        codeHash(req.Code),
		CodeSizeBytes:   int64(len(req.Code)),
		ContainerID:     result.ContainerID,
		ExitCode:        exitCode,
		TimedOut:        result.TimedOut,
		OOMKilled:       result.OOMKilled,
		MemoryUsedBytes: memUsed,
		StdoutBytes:     int64(len(result.Stdout)),
		StderrBytes:     int64(len(result.Stderr)),
		NetworkEnabled:  cfg.Network.Enabled,
		ResourceLimits: map[string]interface{}{
			"memoryBytes": cfg.Resources.MemoryBytes,
			"cpus":        cfg.Resources.CPUs,
			"pidsLimit":   cfg.Resources.PidsLimit,
			"timeoutMs":   cfg.TimeoutMs,
		},
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
	}
	if !success {
		entry.Severity = "warning"
	}
	_, _ = o.audit.Append(ctx, entry)
}

func (o *Orchestrator) publishOutcome(ctx context.Context, req Request, result Result, execErr error) {
	if o.bus == nil {
		return
	}
	evt := ExecutionEvent{ExecutionID: req.ExecutionID, UserID: req.UserID, TenantID: req.TenantID, Result: result}

	topic := ExecutionCompletedTopic
	switch {
	case result.TimedOut:
		topic = ExecutionTimeoutTopic
	case result.OOMKilled:
		topic = ExecutionOOMTopic
	case execErr != nil || !result.Success:
		topic = ExecutionFailedTopic
	}
	_, _ = o.bus.Publish(ctx, topic, evt, eventbus.WithCorrelationID(req.CorrelationID))
}

// Cancel stops and removes the in-flight execution's container, if known.
// Safe to call concurrently with natural completion.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	entry, ok := o.inFlight[executionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	if entry.containerID == "" {
		return nil
	}
	ctx := context.Background()
	if err := o.runtime.Stop(ctx, entry.containerID); err != nil {
		return err
	}
	return o.runtime.Remove(ctx, entry.containerID)
}

// InFlightCount reports the number of executions currently admitted.
func (o *Orchestrator) InFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

// ReapContainers asks the runtime to remove containers older than
// containerMaxAge, returning the count removed.
func (o *Orchestrator) ReapContainers(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.containerMaxAge)
	return o.runtime.Reap(ctx, cutoff)
}

// PurgeAuditLog asks the audit store to drop entries older than
// auditRetention, returning the count removed.
func (o *Orchestrator) PurgeAuditLog(ctx context.Context) (int, error) {
	if o.audit == nil {
		return 0, nil
	}
	cutoff := o.now().Add(-o.auditRetention)
	return o.audit.PurgeOlderThan(ctx, cutoff)
}

// MaintenanceTick runs one round of container reaping and audit purging.
// Intended cadence per §4.5.4 is 60s; the caller (a cron schedule) owns
// the ticking.
func (o *Orchestrator) MaintenanceTick(ctx context.Context) {
	if _, err := o.ReapContainers(ctx); err != nil && o.logger != nil {
		o.logger.WithContext(ctx).WithError(err).Error("sandbox: container reap failed")
	}
	if _, err := o.PurgeAuditLog(ctx); err != nil && o.logger != nil {
		o.logger.WithContext(ctx).WithError(err).Error("sandbox: audit purge failed")
	}
}
