// Package logging wraps otelzap so log entries correlate with traces,
// and adds the audit channel for operator-relevant events.
package logging

import (
	"context"
	"strings"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*otelzap.Logger
	auditLog bool
}

// LoggerWithCtx is a context-bound logger. Audit entries carry an
// audit=true field so downstream pipelines can route them.
type LoggerWithCtx struct {
	otelzap.LoggerWithCtx
	auditLog bool
}

type LoggerOption struct {
	LogLevel string
	AuditLog bool
}

type Option func(o *LoggerOption)

func WithLogLevel(logLevel string) Option {
	return func(o *LoggerOption) {
		o.LogLevel = logLevel
	}
}

func WithAuditLog(auditLog bool) Option {
	return func(o *LoggerOption) {
		o.AuditLog = auditLog
	}
}

func NewLogger(opts ...Option) (*Logger, error) {
	var option LoggerOption
	for _, opt := range opts {
		opt(&option)
	}

	level := parseLevel(option.LogLevel)
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger:   otelzap.New(base, otelzap.WithMinLevel(level)),
		auditLog: option.AuditLog,
	}, nil
}

func (l *Logger) Ctx(ctx context.Context) LoggerWithCtx {
	return LoggerWithCtx{LoggerWithCtx: l.Logger.Ctx(ctx), auditLog: l.auditLog}
}

// Audit records an operator-relevant event. When the audit log is disabled
// the entry is demoted to debug.
func (l *Logger) Audit(msg string, fields ...zap.Field) {
	if !l.auditLog {
		l.Debug(msg, fields...)
		return
	}
	l.Info(msg, append(fields, zap.Bool("audit", true))...)
}

func (l LoggerWithCtx) Audit(msg string, fields ...zap.Field) {
	if !l.auditLog {
		l.Debug(msg, fields...)
		return
	}
	l.Info(msg, append(fields, zap.Bool("audit", true))...)
}

// parseLevel maps the configured level name to a zap level, defaulting
// to info for anything unrecognized.
func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
