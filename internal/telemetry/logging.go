// Package telemetry wires logging, tracing and metrics for the task
// scheduling engine, following the same conventions SwarmGuard services
// use for their own ambient observability stack.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON output when
// SWARM_JSON_LOG is truthy, text otherwise; level from SWARM_LOG_LEVEL.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("SWARM_JSON_LOG"))
	json := mode == "1" || mode == "true" || mode == "json"

	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("SWARM_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
