// Package logging constructs the loggers the ReStore binaries and tests
// use: slog with a tinted terminal handler.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New creates a tinted slog logger writing to stderr at the given level.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	})
	return slog.New(handler)
}

// Logger is the package default, ready for binaries that do not configure
// their own level.
var Logger = New(slog.LevelInfo)
