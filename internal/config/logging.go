package config

import (
	"voxpaste/internal/logging"
)

// LoggerConfig converts the logging section for a named component.
func (l LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSize = l.MaxSizeMB
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	cfg.Component = component
	return cfg, nil
}
