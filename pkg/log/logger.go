package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a
// Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return DebugLevel, nil
	case "info", "INFO", "":
		return InfoLevel, nil
	case "warn", "WARN", "warning":
		return WarnLevel, nil
	case "error", "ERROR":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ParseFormat converts a format name ("text", "json") to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("log: unknown format %q", s)
	}
}

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Field is a single structured attribute attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Str builds a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Bool builds a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur builds a duration field.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Err builds the conventional "error" field.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Any builds a field with an arbitrary value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Component tags logs with the owning component name.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Logger is the logging interface handed to Beacon components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Debugf and friends format in the fmt style for call sites without
	// structured context.
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// With returns a logger carrying additional base fields.
	With(fields ...Field) Logger

	// SetLevel sets the minimum level; it applies to all derived loggers.
	SetLevel(level Level)
	GetLevel() Level
}

// Option configures a logger built by NewLogger.
type Option func(*options)

type options struct {
	level  Level
	format Format
	out    io.Writer
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) Option { return func(o *options) { o.level = level } }

// WithFormat selects text or JSON output.
func WithFormat(f Format) Option { return func(o *options) { o.format = f } }

// WithOutput directs output to w instead of stderr.
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

type baseLogger struct {
	sl    *slog.Logger
	level *atomic.Int32
}

// NewLogger creates a logger with the given options.
func NewLogger(opts ...Option) Logger {
	o := options{level: InfoLevel, format: FormatText, out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	level := &atomic.Int32{}
	level.Store(int32(o.level))
	leveler := dynamicLevel{level: level}
	var h slog.Handler
	switch o.format {
	case FormatJSON:
		h = slog.NewJSONHandler(o.out, &slog.HandlerOptions{Level: leveler})
	default:
		h = slog.NewTextHandler(o.out, &slog.HandlerOptions{Level: leveler})
	}
	return &baseLogger{sl: slog.New(h), level: level}
}

// NewNop returns a logger that discards all output.
func NewNop() Logger {
	level := &atomic.Int32{}
	level.Store(int32(ErrorLevel) + 1)
	return &baseLogger{sl: slog.New(discardHandler{}), level: level}
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.logAt(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.logAt(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.logAt(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.logAt(ErrorLevel, msg, fields) }

func (l *baseLogger) Debugf(format string, args ...any) { l.logAt(DebugLevel, fmt.Sprintf(format, args...), nil) }
func (l *baseLogger) Infof(format string, args ...any)  { l.logAt(InfoLevel, fmt.Sprintf(format, args...), nil) }
func (l *baseLogger) Warnf(format string, args ...any)  { l.logAt(WarnLevel, fmt.Sprintf(format, args...), nil) }
func (l *baseLogger) Errorf(format string, args ...any) { l.logAt(ErrorLevel, fmt.Sprintf(format, args...), nil) }

func (l *baseLogger) logAt(level Level, msg string, fields []Field) {
	if Level(l.level.Load()) > level {
		return
	}
	l.sl.LogAttrs(context.Background(), toSlogLevel(level), msg, attrsFromFields(fields)...)
}

func (l *baseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	args := make([]any, 0, len(fields))
	for _, a := range attrsFromFields(fields) {
		args = append(args, a)
	}
	return &baseLogger{sl: l.sl.With(args...), level: l.level}
}

func (l *baseLogger) SetLevel(level Level) { l.level.Store(int32(level)) }
func (l *baseLogger) GetLevel() Level      { return Level(l.level.Load()) }
