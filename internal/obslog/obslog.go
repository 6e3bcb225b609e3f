// Package obslog wraps zap so every worker logs through the same
// structured sink with a consistent "component" field, instead of each
// package reaching for log.Printf independently.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.SugaredLogger. Kept as a named type (rather than a type
// alias) so callers import this package, not zap directly.
type Logger struct {
	*zap.SugaredLogger
}

// New builds a logger from the LOG_LEVEL / LOG_FORMAT environment
// variables. format "console" gives human-readable output for local runs;
// anything else (including unset) gives JSON for production log
// collection.
func New() *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if os.Getenv("LOG_FORMAT") == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	zl, err := cfg.Build()
	if err != nil {
		// Logging config itself failed to build; fall back rather than
		// leave the process silent.
		zl = zap.NewNop()
	}
	return &Logger{SugaredLogger: zl.Sugar()}
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs, the
// way each worker tags its own log lines with "component"/"worker".
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

// Sync flushes buffered entries; call on shutdown.
func (l *Logger) Sync() error {
	return l.SugaredLogger.Sync()
}
