// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	// Development switches to the human-readable console encoder.
	Development bool
}

// ConfigFromEnv reads LOG_LEVEL and LOG_FORMAT. ENVIRONMENT=development
// implies console output unless LOG_FORMAT says otherwise.
func ConfigFromEnv() Config {
	cfg := Config{Level: os.Getenv("LOG_LEVEL")}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))) {
	case "console":
		cfg.Development = true
	case "json":
	default:
		switch strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT"))) {
		case "dev", "development", "local":
			cfg.Development = true
		}
	}
	return cfg
}

func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func ParseLevel(raw string) (zapcore.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log level %q: %w", raw, err)
	}
	return level, nil
}
