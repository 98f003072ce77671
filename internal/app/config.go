package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vk/clusterboot/internal/report"
)

// Config holds the process-level settings of a run, as opposed to the
// cluster description loaded from the configuration files.
type Config struct {
	// ConfigPaths are HCL files or directories of them.
	ConfigPaths []string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	Report          report.Format
}

// NewConfig validates cfg and fills its defaults.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, errors.New("at least one configuration path is required")
	}

	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	switch cfg.LogFormat {
	case "":
		cfg.LogFormat = "text"
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", cfg.LogFormat)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn' or 'error'", cfg.LogLevel)
	}

	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("healthcheck port %d out of range", cfg.HealthcheckPort)
	}
	if cfg.Report == "" {
		cfg.Report = report.FormatNone
	}
	return &cfg, nil
}
