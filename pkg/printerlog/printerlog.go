// Package printerlog provides structured, leveled logging for the SDK,
// built on zap the way the teacher's internal/logging package is.
package printerlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.Mutex
	globalLogger *zap.Logger
	globalLevel  zap.AtomicLevel
)

// Config controls the global logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Init installs the global logger. Safe to call once at process start;
// embedding applications that never call it get a sane production
// default on first use.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	mu.Lock()
	defer mu.Unlock()
	globalLevel = zap.NewAtomicLevelAt(level)
	zcfg.Level = globalLevel

	logger, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// SetLevel changes the global level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if globalLevel != (zap.AtomicLevel{}) {
		globalLevel.SetLevel(l)
	}
}

// L returns the global logger, lazily initializing a production default.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		logger, _ := zap.NewProduction(zap.AddCallerSkip(1))
		globalLogger = logger
	}
	return globalLogger
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() error {
	mu.Lock()
	logger := globalLogger
	mu.Unlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}

// WithCommand returns a child logger scoped to a command.
func WithCommand(commandID uint32) *zap.Logger {
	return L().With(zap.Uint32("command_id", commandID))
}

// WithTransfer returns a child logger scoped to a transfer.
func WithTransfer(transferID uint32) *zap.Logger {
	return L().With(zap.Uint32("transfer_id", transferID))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
