// Package metrics provides Prometheus instrumentation for the kernel's
// rate limiter, sandbox orchestrator, and event bus.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/corekernel/internal/runtime"
)

// Metrics holds the collectors exercised by the kernel's components.
type Metrics struct {
	// C1 — rate limiter.
	RateLimitAcquireWait *prometheus.HistogramVec
	RateLimitRejected    *prometheus.CounterVec

	// C5 — sandbox orchestrator.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxInFlight          prometheus.Gauge

	// C6 — event bus.
	BusPublishedTotal *prometheus.CounterVec
	BusDeliveredTotal *prometheus.CounterVec
	BusDeadLettered   *prometheus.CounterVec

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be a fresh prometheus.NewRegistry() in tests.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RateLimitAcquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimit_acquire_wait_seconds",
				Help:    "Wait duration returned by token bucket acquire, by key",
				Buckets: []float64{0, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"key"},
		),
		RateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_rejected_total",
				Help: "Total acquires that required a non-zero wait",
			},
			[]string{"key"},
		),
		SandboxExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_executions_total",
				Help: "Total sandbox executions by language and outcome",
			},
			[]string{"language", "outcome"},
		),
		SandboxExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_execution_duration_seconds",
				Help:    "Sandbox execution wall-clock duration",
				Buckets: []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"language"},
		),
		SandboxInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_executions_in_flight",
				Help: "Current number of in-flight sandbox executions",
			},
		),
		BusPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_published_total",
				Help: "Total events published, by topic",
			},
			[]string{"topic"},
		),
		BusDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_delivered_total",
				Help: "Total successful handler deliveries, by topic",
			},
			[]string{"topic"},
		),
		BusDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_dead_lettered_total",
				Help: "Total events moved to the dead-letter topic, by original topic",
			},
			[]string{"topic"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RateLimitAcquireWait,
			m.RateLimitRejected,
			m.SandboxExecutionsTotal,
			m.SandboxExecutionDuration,
			m.SandboxInFlight,
			m.BusPublishedTotal,
			m.BusDeliveredTotal,
			m.BusDeadLettered,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, string(runtime.Env())).Set(1)
	return m
}

func (m *Metrics) RecordAcquire(key string, wait time.Duration) {
	m.RateLimitAcquireWait.WithLabelValues(key).Observe(wait.Seconds())
	if wait > 0 {
		m.RateLimitRejected.WithLabelValues(key).Inc()
	}
}

func (m *Metrics) RecordSandboxExecution(language, outcome string, duration time.Duration) {
	m.SandboxExecutionsTotal.WithLabelValues(language, outcome).Inc()
	m.SandboxExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

func (m *Metrics) RecordPublish(topic string)    { m.BusPublishedTotal.WithLabelValues(topic).Inc() }
func (m *Metrics) RecordDelivered(topic string)  { m.BusDeliveredTotal.WithLabelValues(topic).Inc() }
func (m *Metrics) RecordDeadLetter(topic string) { m.BusDeadLettered.WithLabelValues(topic).Inc() }

func (m *Metrics) UpdateUptime(startedAt time.Time) {
	m.ServiceUptime.Set(time.Since(startedAt).Seconds())
}

// Enabled reports whether Prometheus metrics should be registered and
// exposed. Defaults: disabled in production unless explicitly enabled,
// enabled everywhere else unless explicitly disabled.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes the process-wide Metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(serviceName)
	}
	return global
}

// Global returns the process-wide Metrics instance, initializing a fallback
// if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("corekernel")
	}
	return global
}
