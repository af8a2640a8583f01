// Package logging configures zerolog for the CATMAID client and its tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs cache hits, misses and evictions and every request.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs cache saves, loads, limit changes and server lifecycle.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, rejected values and failed snapshots.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLevel  = "CATMAID_LOG_LEVEL"
	EnvPretty = "CATMAID_LOG_PRETTY"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies CATMAID_LOG_LEVEL and
// CATMAID_LOG_PRETTY from lookup (usually os.LookupEnv).
func ConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup(EnvLevel); ok && v != "" {
		if _, err := ParseLevel(LogLevel(v)); err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvLevel, err)
		}
		cfg.Level = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvPretty); ok && v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvPretty, err)
		}
		cfg.Pretty = pretty
	}
	return cfg, nil
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. An empty level is info.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Context fields used across packages:
//   - component: emitting package ("catmaid-client", "response-cache", "catmaid-proxy")
//   - cache: cache name, the CATMAID host for client-owned caches
//   - key: canonical cache key
//   - endpoint: CATMAID API path
//   - status: HTTP status code
//   - error_class: client, server, rate_limit, network, api
//   - size, limit: humanized byte counts
//   - path, redis_key: snapshot location
