// Package logger builds the zap logger every service shares: production
// JSON encoding by default, colored console output in development, a stable
// "service" field on every line, and an optional LOG_LEVEL environment
// override so operators can raise verbosity on a single saga participant
// without redeploying the others.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(serviceName string, development bool) (*zap.Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if lvl, err := zapcore.ParseLevel(raw); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	return config.Build()
}

// NewTestLogger returns a silent logger for tests.
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}
