package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a structured logger for pagetap components. Output goes to
// stderr by default since stdout carries the TAP stream.
type Logger struct {
	*slog.Logger
}

// New creates a text logger for component at level, writing to stderr.
func New(component string, level slog.Level) *Logger {
	return NewWithWriter(os.Stderr, component, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, component string, level slog.Level) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler).With(
		slog.String("component", component),
	)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Named returns a logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", component))}
}

// WithRun returns a logger tagged with a run identifier.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("run_id", runID))}
}

// WithJob returns a logger tagged with the label of the running job.
func (l *Logger) WithJob(label string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("job", label))}
}

// ParseLevel maps a level name to a slog.Level, defaulting to warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
