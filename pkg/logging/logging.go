// Package logging provides the default structured logger used by the
// commands and as fallback when a Config carries no logger.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a tint-backed slog logger writing to stderr.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	})
	return slog.New(handler)
}

// Default is the logger used when nothing else is configured.
func Default() *slog.Logger {
	return New(slog.LevelInfo)
}
