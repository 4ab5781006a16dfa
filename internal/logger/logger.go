// Package logger builds the zap loggers used across the proxy.
//
// One root logger is constructed at startup and handed down; components take
// named children (log.Named("proxy"), log.Named("certstore")) so every line
// carries its module. Entries below the configured minimum level are dropped.
//
// Usage:
//
//	log, err := logger.New(cfg.LogLevel, debug)
//	srv := proxy.NewServer(cfg, store, bus, m, log.Named("proxy"))
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates the root logger gated at the given level string.
// Unrecognized level strings default to "info". When debug is true the level
// is forced to debug and the output switches to the development console
// encoder with caller annotations.
func New(levelStr string, debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(levelStr))
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// ParseLevel converts a string to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
