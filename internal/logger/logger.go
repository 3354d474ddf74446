// Package logger is trackfill's structured logging layer over log/slog.
//
// Each package asks the process-wide CentralLogger for a module logger and
// keeps it for its lifetime:
//
//	log := logger.Global().Module("propagation")
//	log.Info("draft created", logger.Int("frame", 15), logger.Int64("track_id", 9))
//
// Module names nest with dots. Levels can be set per module in the logging
// configuration, so "tator.cache" can run at trace while everything else
// stays at info. The console gets logfmt text, the log file gets JSON.
package logger

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Level names a severity as written in configuration.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// slogTrace sits below slog.LevelDebug.
const slogTrace = slog.Level(-8)

func (l Level) slog() slog.Level {
	switch l {
	case LevelTrace:
		return slogTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is what components depend on.
type Logger interface {
	Module(name string) Logger
	With(fields ...Field) Logger
	// WithContext adds the trace id carried by ctx, if there is one.
	WithContext(ctx context.Context) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one structured attribute of a record.
type Field = slog.Attr

func String(key, value string) Field { return slog.String(key, value) }

func Int(key string, value int) Field { return slog.Int(key, value) }

// Int64 is used for remote object ids.
func Int64(key string, value int64) Field { return slog.Int64(key, value) }

// Float64 keeps three decimals; confidences and coordinates need no more.
func Float64(key string, value float64) Field {
	return slog.Float64(key, math.Round(value*1000)/1000)
}

func Bool(key string, value bool) Field { return slog.Bool(key, value) }

// Duration renders as text rounded to the millisecond.
func Duration(key string, value time.Duration) Field {
	return slog.String(key, value.Round(time.Millisecond).String())
}

func Time(key string, value time.Time) Field { return slog.Time(key, value) }

func Any(key string, value any) Field { return slog.Any(key, value) }

// Error always uses the key "error".
func Error(err error) Field {
	if err == nil {
		return slog.Any("error", nil)
	}
	return slog.String("error", err.Error())
}

type traceIDKey struct{}

// WithTraceID returns ctx carrying id for WithContext to pick up.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func traceIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
