package worker

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// slogAdapter routes Watermill's internal logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

// NewWatermillLogger wraps l as a Watermill logger. Trace is logged at debug.
func NewWatermillLogger(l *slog.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = slog.Default()
	}
	return slogAdapter{logger: l}
}

func (a slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log(slog.LevelError, msg, append(attrs(fields), slog.Any("err", err)))
}

func (a slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.log(slog.LevelInfo, msg, attrs(fields))
}

func (a slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log(slog.LevelDebug, msg, attrs(fields))
}

func (a slogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log(slog.LevelDebug, msg, attrs(fields))
}

func (a slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	args := make([]any, 0, len(fields))
	for _, attr := range attrs(fields) {
		args = append(args, attr)
	}
	return slogAdapter{logger: a.logger.With(args...)}
}

func (a slogAdapter) log(level slog.Level, msg string, fields []slog.Attr) {
	a.logger.LogAttrs(context.Background(), level, msg, fields...)
}

func attrs(fields watermill.LogFields) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields)+1)
	for key, value := range fields {
		out = append(out, slog.Any(key, value))
	}
	return out
}
