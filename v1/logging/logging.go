// Package logging builds the zerolog loggers used by the mutex binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a JSON logger writing to w (stderr when nil).
// Unknown levels fall back to info.
func NewLogger(w io.Writer, service, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// NewPrettyLogger creates a logger with human readable console output.
func NewPrettyLogger(w io.Writer, service, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewLogger(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}, service, level)
}

// KeyLogger returns a child logger annotated with a lock key.
func KeyLogger(logger zerolog.Logger, key string) zerolog.Logger {
	return logger.With().Str("key", key).Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
