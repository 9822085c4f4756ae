package log

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// dynamicLevel adapts the logger's atomic level to slog.Leveler so SetLevel
// takes effect on loggers already derived with With.
type dynamicLevel struct {
	level *atomic.Int32
}

func (d dynamicLevel) Level() slog.Level { return toSlogLevel(Level(d.level.Load())) }

// discardHandler drops every record. Used by NewNop.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func attrsFromFields(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}
