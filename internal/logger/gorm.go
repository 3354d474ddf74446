package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type gormLogger struct {
	log  Logger
	slow time.Duration
}

// NewGormLogger routes GORM output to log. Statements are logged at trace;
// failures and statements slower than slow are logged at warn. A zero slow
// disables the slow-statement check. ErrRecordNotFound is not a failure.
func NewGormLogger(log Logger, slow time.Duration) gormlogger.Interface {
	if log == nil {
		log = Global().Module("gorm")
	}
	return &gormLogger{log: log, slow: slow}
}

// LogMode is ignored; module levels decide what is written.
func (g *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return g }

func (g *gormLogger) Info(_ context.Context, format string, args ...any) {
	g.log.Debug(fmt.Sprintf(format, args...))
}

func (g *gormLogger) Warn(_ context.Context, format string, args ...any) {
	g.log.Warn(fmt.Sprintf(format, args...))
}

func (g *gormLogger) Error(_ context.Context, format string, args ...any) {
	g.log.Error(fmt.Sprintf(format, args...))
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	stmt, rows := fc()
	fields := []Field{String("sql", stmt), Int64("rows", rows), Duration("elapsed", elapsed)}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.log.Warn("statement failed", append(fields, Error(err))...)
	case g.slow > 0 && elapsed > g.slow:
		g.log.Warn("slow statement", append(fields, Duration("threshold", g.slow))...)
	default:
		g.log.Trace("statement", fields...)
	}
}
