// Package log provides the structured logging interface used across nirpls.
//
// The Logger interface is a minimal, slog-compatible surface so that the
// training and inference code can log shapes, hyperparameters and fold scores
// without depending on a concrete backend. The default implementation is
// backed by log/slog (see logger.go); TestLogger captures output in tests.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("model_selection").With(
//	    log.CropKey, "carrots",
//	    log.TargetKey, "antioxidants",
//	)
//	logger.Info("grid search finished",
//	    log.NComponentsKey, 8,
//	    log.ScoreKey, -0.42,
//	)

package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key/value pairs. With returns a child logger that
// carries the given fields on every record.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional structured fields.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message with optional structured fields.
	// Pass the error through ErrAttr (or as an "error" field) so that the
	// cockroachdb stack trace is attached by ErrFmtHandler.
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	// Use it to skip building expensive diagnostic fields.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider creates loggers. It exists so tests can swap the
// process-wide provider with a capturing one.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger tagged with a component name.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}
