// Package logging provides the structured slog logger shared by the
// AMOSKYS daemons. JSON output feeds log shippers; text output is for
// terminals.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog so packages depend on a single concrete type.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to stdout.
func New(jsonMode bool) *Logger {
	return NewWithWriter(os.Stdout, jsonMode)
}

// NewWithWriter is New with an explicit destination, for tests.
func NewWithWriter(w io.Writer, jsonMode bool) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var h slog.Handler
	if jsonMode {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{slog.New(h)}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}
