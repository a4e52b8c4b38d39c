// Package logger provides structured logging built on zap.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig controls logger construction
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// Logger wraps zap.Logger with component-scoped field support
type Logger struct {
	*zap.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a logger from the given configuration
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.Encoding = "json"
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{Logger: zl}, nil
}

// WithFields returns a logger with the given fields attached to every entry
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// SetDefault sets the process-wide default logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the process-wide default logger, creating a no-op
// logger if none has been set
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()

	if l == nil {
		return &Logger{Logger: zap.NewNop()}
	}
	return l
}
