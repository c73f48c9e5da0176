// Package kernel wires the core security runtime's components
// (rate limiter, audit log, container runtime, OAuth core, sandbox
// orchestrator, event bus) into a single process-wide instance with an
// explicit, idempotent startup/shutdown lifecycle.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/corekernel/internal/audit"
	"github.com/r3e-network/corekernel/internal/config"
	"github.com/r3e-network/corekernel/internal/containerruntime"
	"github.com/r3e-network/corekernel/internal/eventbus"
	"github.com/r3e-network/corekernel/internal/logging"
	"github.com/r3e-network/corekernel/internal/metrics"
	"github.com/r3e-network/corekernel/internal/oauth"
	"github.com/r3e-network/corekernel/internal/ratelimit"
	"github.com/r3e-network/corekernel/internal/sandbox"
	"github.com/r3e-network/corekernel/internal/storage"
)

// Kernel holds every wired component and owns their background tasks. It
// is constructed once per process by New and torn down once by Shutdown.
type Kernel struct {
	Config      *config.Config
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Audit       audit.Store
	Bus         *eventbus.Bus
	OAuth       *oauth.Core
	Sandbox     *sandbox.Orchestrator
	RateLimiter *ratelimit.Limiter
	Runtime     containerruntime.Runtime

	db         *sqlx.DB
	cron       *cron.Cron
	shutdownMu sync.Mutex
	shutdown   bool
}

// New builds and wires a Kernel from cfg. It does not start any
// background task; call Run for that.
func New(cfg *config.Config) (*Kernel, error) {
	logger := logging.New("corekernel", cfg.LogLevel, cfg.LogFormat)
	logging.InitDefault("corekernel", cfg.LogLevel, cfg.LogFormat)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("corekernel")
	}

	bus := eventbus.New(eventbusOptions(m)...)

	var db *sqlx.DB
	if cfg.DatabaseDSN != "" {
		opened, err := storage.Open(context.Background(), cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("kernel: open database: %w", err)
		}
		db = opened
	}

	var auditStore audit.Store
	if db != nil {
		pgOpts := []audit.PostgresStoreOption{audit.WithPostgresNotifier(bus)}
		if cfg.Audit.ConsoleMirror {
			pgOpts = append(pgOpts, audit.WithPostgresSink(audit.NewConsoleSink(logger)))
		}
		auditStore = audit.NewPostgresStore(db, pgOpts...)
	} else {
		auditOpts := []audit.MemoryStoreOption{audit.WithNotifier(bus), audit.WithLogger(logger)}
		if cfg.Audit.ConsoleMirror {
			auditOpts = append(auditOpts, audit.WithSink(audit.NewConsoleSink(logger)))
		}
		auditStore = audit.NewMemoryStore(cfg.Audit.RingCapacity, auditOpts...)
	}

	runtime, err := newContainerRuntime(cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: container runtime: %w", err)
	}

	var oauthStore oauth.Store
	if db != nil {
		oauthStore = oauth.NewPostgresStore(db)
	} else {
		oauthStore = oauth.NewMemoryStore(cfg.OAuth.RevokedFamilyCap)
	}
	oauthCore := oauth.NewCore(oauthStore, oauth.Config{
		CodeTTL:            cfg.OAuth.CodeTTL,
		AccessTokenTTL:     cfg.OAuth.AccessTokenTTL,
		RefreshTokenTTL:    cfg.OAuth.RefreshTokenTTL,
		AllowedScopes:      cfg.OAuth.AllowedScopes,
		DPoPEnabled:        cfg.OAuth.DPoPEnabled,
		DPoPAllowedAlgs:    cfg.OAuth.DPoPAllowedAlgs,
		RevokedFamilyCap:   cfg.OAuth.RevokedFamilyCap,
		CleanupInterval:    cfg.OAuth.CleanupInterval,
		DPoPProofFreshness: cfg.OAuth.DPoPProofFreshness,
	}, auditStore, bus)

	sandboxOrch := sandbox.New(runtime, auditStore, bus,
		sandbox.WithMaxConcurrentExecutions(cfg.Sandbox.MaxConcurrent),
		sandbox.WithContainerMaxAge(cfg.Sandbox.ContainerMaxAge),
		sandbox.WithAuditRetention(cfg.Audit.RetentionPeriod),
		sandbox.WithLogger(logger),
		sandbox.WithLimits(sandbox.Limits{
			DefaultTimeoutMs:   cfg.Sandbox.DefaultTimeoutMs,
			MaxTimeoutMs:       cfg.Sandbox.MaxTimeoutMs,
			MaxCodeBytes:       cfg.Sandbox.MaxCodeBytes,
			MaxOutputBytes:     cfg.Sandbox.MaxOutputBytes,
			MaxFileSizeBytes:   cfg.Sandbox.MaxFileSizeBytes,
			MaxFiles:           cfg.Sandbox.MaxFiles,
			DefaultMemoryBytes: cfg.Sandbox.DefaultMemoryBytes,
			MaxMemoryBytes:     cfg.Sandbox.MaxMemoryBytes,
			DefaultCPUs:        cfg.Sandbox.DefaultCPUs,
			MaxCPUs:            cfg.Sandbox.MaxCPUs,
			DefaultPidsLimit:   cfg.Sandbox.DefaultPidsLimit,
			SupportedLanguages: cfg.Sandbox.SupportedLanguages,
		}),
	)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRequestsPerSecond,
		Burst:             cfg.RateLimitBurst,
	})
	if m != nil {
		limiter.OnAcquire(m.RecordAcquire)
	}

	return &Kernel{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Audit:       auditStore,
		Bus:         bus,
		OAuth:       oauthCore,
		Sandbox:     sandboxOrch,
		RateLimiter: limiter,
		Runtime:     runtime,
		db:          db,
	}, nil
}

func eventbusOptions(m *metrics.Metrics) []eventbus.Option {
	if m == nil {
		return nil
	}
	return []eventbus.Option{
		eventbus.WithPublishObserver(m.RecordPublish),
		eventbus.WithDeliveredObserver(m.RecordDelivered),
		eventbus.WithDeadLetterObserver(m.RecordDeadLetter),
	}
}

func newContainerRuntime(cfg *config.Config) (containerruntime.Runtime, error) {
	if cfg.IsProduction() {
		return containerruntime.NewDockerAdapter()
	}
	fake := containerruntime.NewFake()
	ctx := context.Background()
	for _, image := range []string{
		"corekernel/sandbox-bash:latest",
		"corekernel/sandbox-python:latest",
		"corekernel/sandbox-js:latest",
	} {
		if err := fake.PullImage(ctx, image); err != nil {
			return nil, err
		}
	}
	return fake, nil
}

// Run starts the kernel's periodic background tasks (audit purging,
// container reaping, OAuth artifact cleanup) on a cron schedule. It is
// safe to call once; a second call is a no-op.
func (k *Kernel) Run(ctx context.Context) error {
	if k.cron != nil {
		return nil
	}
	k.cron = cron.New()

	reapSpec := fmt.Sprintf("@every %s", k.Config.Sandbox.ReapInterval)
	if _, err := k.cron.AddFunc(reapSpec, func() { k.Sandbox.MaintenanceTick(ctx) }); err != nil {
		return fmt.Errorf("kernel: schedule sandbox maintenance: %w", err)
	}

	cleanupSpec := fmt.Sprintf("@every %s", k.Config.OAuth.CleanupInterval)
	if _, err := k.cron.AddFunc(cleanupSpec, func() {
		if _, err := k.OAuth.Cleanup(ctx); err != nil {
			k.Logger.WithContext(ctx).WithError(err).Error("kernel: oauth cleanup failed")
		}
	}); err != nil {
		return fmt.Errorf("kernel: schedule oauth cleanup: %w", err)
	}

	k.cron.Start()
	return nil
}

// Shutdown stops the cron scheduler and drains the event bus, waiting up
// to ctx's deadline. Safe to call more than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.shutdownMu.Lock()
	defer k.shutdownMu.Unlock()
	if k.shutdown {
		return nil
	}
	k.shutdown = true

	if k.cron != nil {
		cronCtx := k.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}

	err := k.Bus.Drain(ctx)
	if k.db != nil {
		if closeErr := k.db.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("kernel: close database: %w", closeErr)
		}
	}
	return err
}
