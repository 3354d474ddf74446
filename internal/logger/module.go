package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
)

type moduleLogger struct {
	handler slog.Handler
	name    string
	floor   slog.Level
	fields  []Field
}

// NewWriterLogger logs text records at level and above to w, or to stdout
// when w is nil. It bypasses the central configuration.
func NewWriterLogger(w io.Writer, level Level) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &moduleLogger{handler: textHandler(w, level.slog()), floor: level.slog()}
}

func (m *moduleLogger) derive(name string, extra []Field) *moduleLogger {
	return &moduleLogger{
		handler: m.handler,
		name:    name,
		floor:   m.floor,
		fields:  slices.Concat(m.fields, extra),
	}
}

func (m *moduleLogger) Module(name string) Logger {
	if m.name != "" {
		name = m.name + "." + name
	}
	return m.derive(name, nil)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	return m.derive(m.name, fields)
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	id := traceIDFrom(ctx)
	if id == "" {
		return m
	}
	return m.derive(m.name, []Field{String("trace_id", id)})
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.emit(slogTrace, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.emit(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.emit(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.emit(slog.LevelWarn, msg, fields) }
func (m *moduleLogger) Error(msg string, fields ...Field) { m.emit(slog.LevelError, msg, fields) }

func (m *moduleLogger) emit(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	if level < m.floor || !m.handler.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 1+len(m.fields)+len(fields))
	if m.name != "" {
		attrs = append(attrs, slog.String("module", m.name))
	}
	attrs = append(attrs, m.fields...)
	attrs = append(attrs, fields...)
	slog.New(m.handler).LogAttrs(ctx, level, msg, attrs...)
}
