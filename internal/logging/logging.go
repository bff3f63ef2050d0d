// Package logging configures the process-wide default slog logger,
// ported directly from the teacher's own ConfigureLogging
// (_examples/SharedCode-sop/logger.go): a TextHandler on stdout, level
// controlled by an environment variable, defaulting to Info.
package logging

import (
	"log/slog"
	"os"
)

var level = new(slog.LevelVar)

// Configure sets up the global default logger. Call once at process
// startup.
func Configure() {
	level.Set(slog.LevelInfo)
	switch os.Getenv("HRDBMS_LOG_LEVEL") {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// SetLevel overrides the configured level at runtime (e.g. from the
// coordinator's admin surface).
func SetLevel(l slog.Level) { level.Set(l) }
