// Package telemetry sets up the process-wide logger and trace provider.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogOptions struct {
	Level string
	JSON  bool
	// Output defaults to stderr.
	Output io.Writer
}

// NewLogger builds a slog logger and installs it as the default.
func NewLogger(opts LogOptions) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	cfg := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, cfg)
	} else {
		h = slog.NewTextHandler(out, cfg)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
