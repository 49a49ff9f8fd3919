package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig controls how database statements are logged.
type GormLoggerConfig struct {
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
	LogLevel             gormlogger.LogLevel
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		SlowThreshold:        200 * time.Millisecond,
		IgnoreRecordNotFound: true,
		LogLevel:             gormlogger.Warn,
	}
}

// GormLogger adapts zap to gorm's logger interface.
type GormLogger struct {
	log *zap.Logger
	cfg GormLoggerConfig
}

func NewGormLogger(log *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{log: log.Named("gorm"), cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.cfg.LogLevel = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.cfg.LogLevel >= gormlogger.Info {
		WithContext(ctx, l.log).Sugar().Infof(msg, args...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.cfg.LogLevel >= gormlogger.Warn {
		WithContext(ctx, l.log).Sugar().Warnf(msg, args...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.cfg.LogLevel >= gormlogger.Error {
		WithContext(ctx, l.log).Sugar().Errorf(msg, args...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	log := WithContext(ctx, l.log)

	fields := []zap.Field{
		zap.String("operation", operationFromSQL(sql)),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !(l.cfg.IgnoreRecordNotFound && errors.Is(err, gorm.ErrRecordNotFound)):
		log.Error("query failed", append(fields, zap.Error(err), zap.String("sql", sql))...)
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold:
		log.Warn("slow query", append(fields, zap.String("sql", sql))...)
	case l.cfg.LogLevel >= gormlogger.Info:
		log.Debug("query", fields...)
	}
}

func operationFromSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexByte(sql, ' '); i > 0 {
		return strings.ToUpper(sql[:i])
	}
	return strings.ToUpper(sql)
}
