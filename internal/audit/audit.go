// Package audit implements the kernel's append-only security audit log
// (C2), adapted from the platform's ring-buffered audit log with pluggable
// sinks.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/corekernel/internal/logging"
)

// Entry is an immutable audit record. The execution-specific fields are
// populated for sandbox executions (§3 AuditEntry); Action/Actor/Severity
// are populated for every entry, including OAuth lifecycle events that have
// no associated execution.
type Entry struct {
	ID            string
	Action        string
	Severity      string // "info", "warning", "critical"
	Actor         string // userId or clientId
	TenantID      string
	CorrelationID string

	Success bool
	Error   string

	StartTime time.Time
	EndTime   time.Time

	// Sandbox execution fields.
	ExecutionID     string
	Language        string
	CodeHash        string
	CodeSizeBytes   int64
	ContainerID     string
	ExitCode        *int
	TimedOut        bool
	OOMKilled       bool
	MemoryUsedBytes *int64
	StdoutBytes     int64
	StderrBytes     int64
	NetworkEnabled  bool
	ResourceLimits  map[string]interface{}
	ClientIP        string
	UserAgent       string

	Metadata map[string]interface{}
}

// DurationMs returns EndTime - StartTime in milliseconds, or 0 if EndTime is
// unset.
func (e Entry) DurationMs() int64 {
	if e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime).Milliseconds()
}

// Query filters entries returned by Store.Query.
type Query struct {
	Actor     string
	TenantID  string
	Language  string
	Success   *bool
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Sink receives a copy of every appended entry, best-effort. Sink errors
// never fail the append.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Notifier emits a lightweight "audit written" signal, satisfied by the
// event bus's Publish method.
type Notifier interface {
	Publish(ctx context.Context, topic string, data interface{}) (string, error)
}

// AuditWrittenTopic is the topic an audit Store publishes to on every
// append when a Notifier is configured.
const AuditWrittenTopic = "audit.written"

// Store is the capability the sandbox orchestrator and OAuth core depend
// on. Two implementations are provided: MemoryStore (bounded ring) and
// PostgresStore (durable, queries delegated to the backing table).
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	Query(ctx context.Context, q Query) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, bool, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is a bounded in-memory ring of at most Capacity entries. When
// full, appending evicts the oldest 10% to make room, matching §4.2.
type MemoryStore struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int

	sinks    []Sink
	notifier Notifier
	logger   *logging.Logger
}

// MemoryStoreOption configures a MemoryStore at construction time.
type MemoryStoreOption func(*MemoryStore)

// WithSink registers an additional best-effort sink (e.g. a console mirror
// or a persistent writer run alongside the ring).
func WithSink(sink Sink) MemoryStoreOption {
	return func(s *MemoryStore) { s.sinks = append(s.sinks, sink) }
}

// WithNotifier registers a Notifier used to publish AuditWrittenTopic on
// every successful append.
func WithNotifier(n Notifier) MemoryStoreOption {
	return func(s *MemoryStore) { s.notifier = n }
}

// WithLogger attaches a structured logger for sink-write failures.
func WithLogger(l *logging.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// NewMemoryStore creates a MemoryStore bounded to capacity entries (default
// 10,000 when capacity <= 0).
func NewMemoryStore(capacity int, opts ...MemoryStoreOption) *MemoryStore {
	if capacity <= 0 {
		capacity = 10_000
	}
	s := &MemoryStore{capacity: capacity}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartTime.IsZero() {
		entry.StartTime = time.Now()
	}

	s.mu.Lock()
	if len(s.entries) >= s.capacity {
		evict := s.capacity / 10
		if evict < 1 {
			evict = 1
		}
		s.entries = append([]Entry{}, s.entries[evict:]...)
	}
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	s.mirror(ctx, entry)
	s.notify(ctx, entry)
	return entry, nil
}

func (s *MemoryStore) mirror(ctx context.Context, entry Entry) {
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, entry); err != nil && s.logger != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("audit sink write failed")
		}
	}
}

func (s *MemoryStore) notify(ctx context.Context, entry Entry) {
	if s.notifier == nil {
		return
	}
	// Best-effort: a publish failure must never fail the append that
	// triggered it.
	_, _ = s.notifier.Publish(ctx, AuditWrittenTopic, entry)
}

// Query filters linearly and returns entries newest-first, matching the
// in-memory variant's documented behavior.
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.Lock()
	snapshot := make([]Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	matched := make([]Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if !matches(e, q) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	return paginate(matched, q.Offset, q.Limit), nil
}

func matches(e Entry, q Query) bool {
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.Language != "" && e.Language != q.Language {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if !q.StartTime.IsZero() && e.StartTime.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.StartTime.After(q.EndTime) {
		return false
	}
	return true
}

func paginate(entries []Entry, offset, limit int) []Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []Entry{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0:0]
	purged := 0
	for _, e := range s.entries {
		if e.StartTime.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

// Len reports the current number of retained entries, mostly for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
