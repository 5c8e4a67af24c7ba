// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "RFIDTRACK_LOG_LEVEL"
	EnvLogJSON    = "RFIDTRACK_LOG_JSON"
	EnvLogNoColor = "RFIDTRACK_LOG_NOCOLOR"
)

// Config selects level and output format.
type Config struct {
	Level   string `yaml:"level"` // trace, debug, info, warn, error, off
	JSON    bool   `yaml:"json"`
	NoColor bool   `yaml:"no_color"`
}

// Configure installs the global logger on stdout.
func Configure(app string, cfg Config) zerolog.Logger {
	return ConfigureTo(os.Stdout, app, cfg)
}

// ConfigureTo installs the global logger writing to w. Environment
// variables override cfg.
func ConfigureTo(w io.Writer, app string, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)

	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := w
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	logger := zerolog.New(out).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func applyEnvOverrides(cfg *Config) {
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
