package config

import (
	"fmt"

	"go.uber.org/zap"
)

// BuildLogger constructs the service logger from the logging config. The
// returned atomic level is retained by the caller so config reloads can
// adjust verbosity without rebuilding the logger.
func BuildLogger(cfg LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		parsed, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = parsed
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, zcfg.Level, nil
}
