package internal

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var baseLogger atomic.Pointer[slog.Logger]

func init() {
	baseLogger.Store(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// ConfigureLogging replaces the process logger used by NewLogger and installs
// it as the slog default for libraries that log on their own.
func ConfigureLogging(w io.Writer, cfg LogConfig) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	baseLogger.Store(logger)
	slog.SetDefault(logger)
	return logger
}

// NewLogger returns the process logger tagged with a gitsync/<component> name.
func NewLogger(component string) *slog.Logger {
	name := "gitsync"
	if component != "" {
		name = name + "/" + component
	}
	return baseLogger.Load().With("logger", name)
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
