// Package log provides the process-wide structured logger for sandboxd.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init builds the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init() {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("SANDBOXD_ENV") == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		built, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			built = zap.NewNop()
		}
		logger = built
		sugar = logger.Sugar()
	})
}

// L returns the global structured logger, initializing it on first use.
func L() *zap.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

// S returns the global sugared (printf-style) logger.
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init()
	}
	return sugar
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithPrincipal scopes a logger to a tenant.
func WithPrincipal(principalID string) *zap.Logger {
	return L().With(zap.String("principal_id", principalID))
}

// WithExecution scopes a logger to one execution.
func WithExecution(executionID string) *zap.Logger {
	return L().With(zap.String("execution_id", executionID))
}

// WithJob scopes a logger to one async job.
func WithJob(jobID string) *zap.Logger {
	return L().With(zap.String("job_id", jobID))
}

// WithSession scopes a logger to one session's container.
func WithSession(principalID, containerID string) *zap.Logger {
	return L().With(zap.String("principal_id", principalID), zap.String("container_id", containerID))
}
