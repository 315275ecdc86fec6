// Package logger sets up structured logging on Go 1.21's log/slog with a
// JSON handler and a service attribute on every record.
package logger

import (
	"log/slog"
	"os"
)

// Init creates the logger for the given service, sets it as the process
// default and returns it. Output is JSON on stdout.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel resolves a config-file level name. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
