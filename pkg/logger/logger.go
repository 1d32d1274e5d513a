package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with domain audit helpers
type Logger struct {
	*logrus.Logger
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
	callerKey    contextKey = "caller"
)

// New creates a new logger instance writing JSON to stdout
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing JSON to out
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything, for tests and library defaults
func Discard() *Logger {
	return NewWithOutput("panic", io.Discard)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithRequestID stores a request id in ctx for WithContext
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTraceID stores a trace id in ctx for WithContext
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithCaller stores the authenticated caller identity in ctx for WithContext
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// RequestID returns the request id stored in ctx, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithContext creates a logger entry carrying request-scoped fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if ctx == nil {
		return entry
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		entry = entry.WithField("request_id", v)
	}
	if v, ok := ctx.Value(callerKey).(string); ok && v != "" {
		entry = entry.WithField("caller", v)
	}
	return entry
}

// Audit logs audit events with structured format
func (l *Logger) Audit(userID, action, resource string, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":    true,
		"user_id":  userID,
		"action":   action,
		"resource": resource,
		"success":  success,
		"details":  details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// Security logs security-related events
func (l *Logger) Security(ctx context.Context, event, userID string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"security": true,
		"event":    event,
		"user_id":  userID,
		"details":  details,
	}).Warn("Security event")
}

// RecordAccess logs a medical record access decision or grant change
func (l *Logger) RecordAccess(ctx context.Context, accessor, owner, record, action string, permitted bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"record_access": true,
		"accessor":      accessor,
		"owner":         owner,
		"record":        record,
		"action":        action,
		"permitted":     permitted,
		"details":       details,
		"sensitive":     true,
	})

	if permitted {
		entry.Info("Record access permitted")
	} else {
		entry.Warn("Record access denied")
	}
}

// EscrowTransition logs a committed consultation state transition
func (l *Logger) EscrowTransition(ctx context.Context, consultationID uint64, from, to, actor string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"escrow":          true,
		"consultation_id": consultationID,
		"from":            from,
		"to":              to,
		"actor":           actor,
		"details":         details,
	}).Info("Consultation transition")
}

// Rejected logs a command refused with a typed error
func (l *Logger) Rejected(ctx context.Context, component, command string, err error, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"component": component,
		"command":   command,
	}).WithFields(fields).WithError(err).Warn("Command rejected")
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}

// DatabaseOperation logs ledger backend operations
func (l *Logger) DatabaseOperation(ctx context.Context, operation string, duration int64, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"database":    true,
		"operation":   operation,
		"duration_ms": duration,
		"success":     success,
		"details":     details,
	})

	if success {
		entry.Debug("Database operation completed")
	} else {
		entry.Error("Database operation failed")
	}
}
