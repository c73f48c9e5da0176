package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/corekernel/internal/logging"
)

func generateID() string { return uuid.New().String() }

func nowFunc() time.Time { return time.Now() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// ConsoleSink mirrors every entry to the structured logger, matching the
// platform's console-mirror option for audit writes.
type ConsoleSink struct {
	logger *logging.Logger
}

// NewConsoleSink creates a sink that logs one line per audit entry. The level
// follows the entry's Severity: error for "critical", warn for "warning",
// info otherwise; the Success flag does not affect the level.
func NewConsoleSink(logger *logging.Logger) *ConsoleSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConsoleSink{logger: logger}
}

func (c *ConsoleSink) Write(ctx context.Context, entry Entry) error {
	fields := map[string]interface{}{
		"audit_id": entry.ID,
		"action":   entry.Action,
		"actor":    entry.Actor,
		"success":  entry.Success,
	}
	if entry.ExecutionID != "" {
		fields["execution_id"] = entry.ExecutionID
		fields["language"] = entry.Language
	}

	entryLog := c.logger.WithContext(ctx)
	switch entry.Severity {
	case "critical":
		entryLog.WithError(fmt.Errorf("%s", entry.Error)).WithFields(fields).Error("audit: critical event")
	case "warning":
		entryLog.WithFields(fields).Warn("audit: event")
	default:
		entryLog.WithFields(fields).Info("audit: event")
	}
	return nil
}

// PostgresStore is a durable Store backed by a single append-only table. It
// satisfies the same Store interface as MemoryStore so the sandbox
// orchestrator and OAuth core can depend on the interface alone.
type PostgresStore struct {
	db       *sqlx.DB
	sinks    []Sink
	notifier Notifier
}

// PostgresStoreOption configures a PostgresStore at construction time.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresSink registers an additional best-effort sink.
func WithPostgresSink(sink Sink) PostgresStoreOption {
	return func(s *PostgresStore) { s.sinks = append(s.sinks, sink) }
}

// WithPostgresNotifier registers a Notifier used on every successful append.
func WithPostgresNotifier(n Notifier) PostgresStoreOption {
	return func(s *PostgresStore) { s.notifier = n }
}

// NewPostgresStore wraps an open *sqlx.DB. The caller is responsible for
// having migrated the audit_entries table ahead of time.
func NewPostgresStore(db *sqlx.DB, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const insertAuditEntrySQL = `
INSERT INTO audit_entries (
	id, action, severity, actor, tenant_id, correlation_id, success, error,
	start_time, end_time, execution_id, language, code_hash, code_size_bytes,
	container_id, exit_code, timed_out, oom_killed, memory_used_bytes,
	stdout_bytes, stderr_bytes, network_enabled, client_ip, user_agent
) VALUES (
	:id, :action, :severity, :actor, :tenant_id, :correlation_id, :success, :error,
	:start_time, :end_time, :execution_id, :language, :code_hash, :code_size_bytes,
	:container_id, :exit_code, :timed_out, :oom_killed, :memory_used_bytes,
	:stdout_bytes, :stderr_bytes, :network_enabled, :client_ip, :user_agent
)`

type auditRow struct {
	ID              string  `db:"id"`
	Action          string  `db:"action"`
	Severity        string  `db:"severity"`
	Actor           string  `db:"actor"`
	TenantID        string  `db:"tenant_id"`
	CorrelationID   string  `db:"correlation_id"`
	Success         bool    `db:"success"`
	Error           string  `db:"error"`
	StartTime       int64   `db:"start_time"`
	EndTime         *int64  `db:"end_time"`
	ExecutionID     string  `db:"execution_id"`
	Language        string  `db:"language"`
	CodeHash        string  `db:"code_hash"`
	CodeSizeBytes   int64   `db:"code_size_bytes"`
	ContainerID     string  `db:"container_id"`
	ExitCode        *int    `db:"exit_code"`
	TimedOut        bool    `db:"timed_out"`
	OOMKilled       bool    `db:"oom_killed"`
	MemoryUsedBytes *int64  `db:"memory_used_bytes"`
	StdoutBytes     int64   `db:"stdout_bytes"`
	StderrBytes     int64   `db:"stderr_bytes"`
	NetworkEnabled  bool    `db:"network_enabled"`
	ClientIP        string  `db:"client_ip"`
	UserAgent       string  `db:"user_agent"`
}

func toRow(e Entry) auditRow {
	row := auditRow{
		ID:              e.ID,
		Action:          e.Action,
		Severity:        e.Severity,
		Actor:           e.Actor,
		TenantID:        e.TenantID,
		CorrelationID:   e.CorrelationID,
		Success:         e.Success,
		Error:           e.Error,
		StartTime:       e.StartTime.UnixMilli(),
		ExecutionID:     e.ExecutionID,
		Language:        e.Language,
		CodeHash:        e.CodeHash,
		CodeSizeBytes:   e.CodeSizeBytes,
		ContainerID:     e.ContainerID,
		ExitCode:        e.ExitCode,
		TimedOut:        e.TimedOut,
		OOMKilled:       e.OOMKilled,
		MemoryUsedBytes: e.MemoryUsedBytes,
		StdoutBytes:     e.StdoutBytes,
		StderrBytes:     e.StderrBytes,
		NetworkEnabled:  e.NetworkEnabled,
		ClientIP:        e.ClientIP,
		UserAgent:       e.UserAgent,
	}
	if !e.EndTime.IsZero() {
		ms := e.EndTime.UnixMilli()
		row.EndTime = &ms
	}
	return row
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = generateID()
	}
	if entry.StartTime.IsZero() {
		entry.StartTime = nowFunc()
	}

	row := toRow(entry)
	if _, err := s.db.NamedExecContext(ctx, insertAuditEntrySQL, row); err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}

	for _, sink := range s.sinks {
		_ = sink.Write(ctx, entry)
	}
	if s.notifier != nil {
		_, _ = s.notifier.Publish(ctx, AuditWrittenTopic, entry)
	}
	return entry, nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	sqlStr := `SELECT * FROM audit_entries WHERE 1=1`
	args := map[string]interface{}{}

	if q.Actor != "" {
		sqlStr += ` AND actor = :actor`
		args["actor"] = q.Actor
	}
	if q.TenantID != "" {
		sqlStr += ` AND tenant_id = :tenant_id`
		args["tenant_id"] = q.TenantID
	}
	if q.Language != "" {
		sqlStr += ` AND language = :language`
		args["language"] = q.Language
	}
	if q.Success != nil {
		sqlStr += ` AND success = :success`
		args["success"] = *q.Success
	}
	if !q.StartTime.IsZero() {
		sqlStr += ` AND start_time >= :from_time`
		args["from_time"] = q.StartTime.UnixMilli()
	}
	if !q.EndTime.IsZero() {
		sqlStr += ` AND start_time <= :to_time`
		args["to_time"] = q.EndTime.UnixMilli()
	}
	sqlStr += ` ORDER BY start_time DESC`
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	if q.Offset > 0 {
		sqlStr += fmt.Sprintf(` OFFSET %d`, q.Offset)
	}

	named, err := s.db.PrepareNamedContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("audit: prepare query: %w", err)
	}
	defer named.Close()

	var rows []auditRow
	if err := named.SelectContext(ctx, &rows, args); err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, fromRow(r))
	}
	return entries, nil
}

func fromRow(r auditRow) Entry {
	e := Entry{
		ID:              r.ID,
		Action:          r.Action,
		Severity:        r.Severity,
		Actor:           r.Actor,
		TenantID:        r.TenantID,
		CorrelationID:   r.CorrelationID,
		Success:         r.Success,
		Error:           r.Error,
		ExecutionID:     r.ExecutionID,
		Language:        r.Language,
		CodeHash:        r.CodeHash,
		CodeSizeBytes:   r.CodeSizeBytes,
		ContainerID:     r.ContainerID,
		ExitCode:        r.ExitCode,
		TimedOut:        r.TimedOut,
		OOMKilled:       r.OOMKilled,
		MemoryUsedBytes: r.MemoryUsedBytes,
		StdoutBytes:     r.StdoutBytes,
		StderrBytes:     r.StderrBytes,
		NetworkEnabled:  r.NetworkEnabled,
		ClientIP:        r.ClientIP,
		UserAgent:       r.UserAgent,
	}
	e.StartTime = msToTime(r.StartTime)
	if r.EndTime != nil {
		e.EndTime = msToTime(*r.EndTime)
	}
	return e
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	var row auditRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM audit_entries WHERE id = $1`, id)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("audit: get entry: %w", err)
	}
	return fromRow(row), true, nil
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE start_time < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: purge rows affected: %w", err)
	}
	return int(affected), nil
}
