package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/devlink-io/devlink-core/internal/infrastructure/config"
)

// Logger embeds slog.Logger so call sites get the full slog surface
// plus the hub's conventions: every entry carries service and version,
// and components tag themselves with With("component", name).
//
// Thread Safety: safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the logging section of config.yaml: level
// filtering, JSON or text encoding, stdout or stderr. The version
// string is stamped on every entry alongside the service name.
func New(cfg config.LoggingConfig, version string) *Logger {
	handler := newHandler(cfg).WithAttrs([]slog.Attr{
		slog.String("service", "devlink"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func newHandler(cfg config.LoggingConfig) slog.Handler {
	var output io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "stderr" {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.NewTextHandler(output, opts)
	}
	return slog.NewJSONHandler(output, opts)
}

// parseLevel maps a config level string onto slog.Level. Unrecognised
// strings fall back to info rather than failing startup.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying extra default attributes.
//
//	mqttLog := log.With("component", "mqtt")
//	mqttLog.Info("connected") // includes component=mqtt
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns the bootstrap logger used before the config file is
// loaded: JSON to stdout at info level, version "dev".
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
