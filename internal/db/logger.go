package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold marks the point where a statement is worth a WARN
// even without full SQL tracing enabled.
const slowQueryThreshold = 200 * time.Millisecond

// gormZap routes GORM's internal logging (statements, slow queries,
// errors) through the application's zap logger so nothing writes to
// stdout on its own.
//
// gorm.ErrRecordNotFound is not treated as an error: lookups that miss
// are ordinary control flow here (idempotency checks, heartbeat for an
// unknown robot) and would otherwise flood the error level.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger adapts log to gormlogger.Interface at the given level.
// gormlogger.Silent disables everything; gormlogger.Info traces every
// statement. A zero level means Warn.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZap{
		// Skip the gorm callback frames so the caller column points at
		// the repository method, not this adapter.
		log:   log.Named("db").WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode implements gormlogger.Interface. GORM calls it for per-session
// overrides such as db.Debug().
func (l *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormZap) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement: errors at ERROR, anything past the
// slow threshold at WARN, and the full firehose at DEBUG when the level
// asks for Info.
func (l *gormZap) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
