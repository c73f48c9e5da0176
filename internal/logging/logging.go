// Package logging provides structured logging with trace ID support for the
// kernel, adapted from the platform's logrus-based logging conventions.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request-scoped
// logging fields.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	ActorKey   ContextKey = "actor"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with kernel-specific helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance for the named component.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying the service name and any
// context-scoped trace/actor fields.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if actor := ctx.Value(ActorKey); actor != nil {
		entry = entry.WithField("actor", actor)
	}
	return entry
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts a trace id from the context, if present.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithActor attaches an actor identifier (user/client id) to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// LogSecurityEvent logs a security-relevant event at warn level with a
// structured event_type field, used for reuse-detection and similar alerts.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("event_type", eventType).WithField("severity", "security")
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Warn("security event")
}

var defaultLogger *Logger

// InitDefault initializes the process-wide default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the process-wide default logger, initializing a fallback
// if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("corekernel", "info", "json")
	}
	return defaultLogger
}
