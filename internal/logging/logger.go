// Package logging builds the zap loggers shared by the API, the workers and
// the operator commands.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every production log line.
const ServiceName = "review-importer"

// New builds a zap.Logger: a colored console encoder for development, JSON
// on stderr otherwise. Both use "ts" as the time key.
func New(development bool) (*zap.Logger, error) {
	cfg := Config(development)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if !development {
		logger = logger.With(zap.String("service", ServiceName))
	}
	return logger, nil
}

// Config returns the zap configuration New builds from.
func Config(development bool) zap.Config {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Keep every row-level warning of a large import.
	cfg.Sampling = nil
	return cfg
}
