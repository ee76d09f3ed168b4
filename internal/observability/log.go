// Package observability provides the process-wide structured logger. The
// default logger is a no-op so library consumers opt in explicitly; the CLI
// installs a zap-backed logger at startup.
package observability

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured log attribute.
type Field struct {
	Key   string
	Value any
}

// Logger is the minimal logging surface used across the module.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var defaultLogger atomic.Pointer[loggerBox]

type loggerBox struct {
	logger Logger
}

func init() {
	defaultLogger.Store(&loggerBox{logger: nopLogger{}})
}

// Log returns the process-wide logger.
func Log() Logger {
	return defaultLogger.Load().logger
}

// SetLogger installs the process-wide logger. A nil logger restores the no-op
// default.
func SetLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	defaultLogger.Store(&loggerBox{logger: l})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	zl *zap.Logger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(zl *zap.Logger) *ZapLogger {
	return &ZapLogger{zl: zl}
}

// NewProduction builds a JSON zap logger at the given level ("debug", "info",
// "warn", "error"; anything else falls back to info).
func NewProduction(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{zl: zl}, nil
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.zl.Debug(msg, zapFields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.zl.Info(msg, zapFields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.zl.Warn(msg, zapFields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.zl.Error(msg, zapFields(fields)...) }

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error { return l.zl.Sync() }

func zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
