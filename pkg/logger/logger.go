package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type contextKey string

// Context keys read by WithContext
const (
	RequestIDKey contextKey = "request_id"
	SubjectIDKey contextKey = "subject_id"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance writing JSON to stdout
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing JSON to out
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	// Set output format
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

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithContext creates a logger entry carrying request-scoped fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	if subjectID, ok := ctx.Value(SubjectIDKey).(string); ok && subjectID != "" {
		entry = entry.WithField("subject_id", subjectID)
	}

	return entry
}

// Security logs security-related events
func (l *Logger) Security(event string, subjectID string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"security":   true,
		"event":      event,
		"subject_id": subjectID,
		"details":    details,
	}).Warn("Security event")
}

// Compliance logs compliance-related events
func (l *Logger) Compliance(event string, subjectID string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"compliance": true,
		"event":      event,
		"subject_id": subjectID,
		"details":    details,
	}).Info("Compliance event")
}

// AccessDecision logs an access decision on a health record
func (l *Logger) AccessDecision(ctx context.Context, subjectID, ownerID, resourceType, action string, allowed bool, policyID, reason string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"phi_access":    true,
		"subject_id":    subjectID,
		"owner_id":      ownerID,
		"resource_type": resourceType,
		"action":        action,
		"allowed":       allowed,
		"policy_id":     policyID,
		"reason":        reason,
	})

	if allowed {
		entry.Info("Record access granted")
	} else {
		entry.Warn("Record access denied")
	}
}

// PermissionChange logs a grant or revoke of record access
func (l *Logger) PermissionChange(ctx context.Context, operation, grantorID, granteeID string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"permission": true,
		"operation":  operation,
		"grantor_id": grantorID,
		"grantee_id": granteeID,
		"success":    success,
		"details":    details,
	})

	if success {
		entry.Info("Permission changed")
	} else {
		entry.Warn("Permission change failed")
	}
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration int64, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"user_agent":   userAgent,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
		"details":      details,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}

// DatabaseOperation logs database operation events
func (l *Logger) DatabaseOperation(ctx context.Context, operation, table string, duration int64, rowsAffected int64, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"database":      true,
		"operation":     operation,
		"table":         table,
		"duration_ms":   duration,
		"rows_affected": rowsAffected,
		"success":       success,
		"details":       details,
	})

	if success {
		entry.Debug("Database operation completed")
	} else {
		entry.Error("Database operation failed")
	}
}
