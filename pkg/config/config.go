// Package config loads the settings shared by the CATMAID tools from a YAML
// file and CATMAID_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/catmaid-client/pkg/client"
	"github.com/Sternrassler/catmaid-client/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config is the file layout:
//
//	server_url: https://catmaid.example.org
//	api_token: ...
//	rate_limit: 10
//	cache:
//	  enabled: true
//	  size_limit_mb: 128
//	  time_limit: 15m
//	  snapshot: ~/.cache/catmaid/session.cache
//	log:
//	  level: info
type Config struct {
	ServerURL    string        `yaml:"server_url"`
	APIToken     string        `yaml:"api_token"`
	HTTPUser     string        `yaml:"http_user"`
	HTTPPassword string        `yaml:"http_password"`
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	Burst        int           `yaml:"burst"`
	MaxRetries   int           `yaml:"max_retries"`

	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`

	// Listen is the proxy's HTTP address
	Listen string `yaml:"listen"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SizeLimitMB float64       `yaml:"size_limit_mb"`
	TimeLimit   time.Duration `yaml:"time_limit"`

	// Snapshot is loaded at start and written at shutdown, if set
	Snapshot string `yaml:"snapshot"`

	// RedisAddr, if set, is used instead of Snapshot to hold the snapshot
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used for anything the file and the
// environment leave unset.
func Default() Config {
	d := client.DefaultConfig("")
	return Config{
		UserAgent:  d.UserAgent,
		Timeout:    d.Timeout,
		RateLimit:  d.RateLimit,
		Burst:      d.Burst,
		MaxRetries: d.MaxRetries,
		Cache: CacheConfig{
			Enabled:     d.Caching,
			SizeLimitMB: d.CacheSizeLimitMB,
			TimeLimit:   d.CacheTimeLimit,
			RedisKey:    "catmaid:cache:snapshot",
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Listen: ":8080",
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode reads YAML from r over the current values. Unknown keys are errors.
func (c *Config) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides values from CATMAID_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	parse := func(name string, set func(string) error) {
		if v, ok := lookup(name); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str("CATMAID_SERVER_URL", &c.ServerURL)
	str("CATMAID_API_TOKEN", &c.APIToken)
	str("CATMAID_HTTP_USER", &c.HTTPUser)
	str("CATMAID_HTTP_PASSWORD", &c.HTTPPassword)
	str("CATMAID_USER_AGENT", &c.UserAgent)
	str("CATMAID_CACHE_SNAPSHOT", &c.Cache.Snapshot)
	str("CATMAID_REDIS_ADDR", &c.Cache.RedisAddr)
	str("CATMAID_REDIS_KEY", &c.Cache.RedisKey)
	str(logging.EnvLevel, &c.Log.Level)
	str("CATMAID_LISTEN", &c.Listen)

	parse("CATMAID_RATE_LIMIT", func(v string) (err error) {
		c.RateLimit, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("CATMAID_CACHE_ENABLED", func(v string) (err error) {
		c.Cache.Enabled, err = strconv.ParseBool(v)
		return err
	})
	parse("CATMAID_CACHE_SIZE_LIMIT_MB", func(v string) (err error) {
		c.Cache.SizeLimitMB, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("CATMAID_CACHE_TIME_LIMIT", func(v string) (err error) {
		c.Cache.TimeLimit, err = time.ParseDuration(v)
		return err
	})
	parse("CATMAID_REDIS_TTL", func(v string) (err error) {
		c.Cache.RedisTTL, err = time.ParseDuration(v)
		return err
	})
	parse(logging.EnvPretty, func(v string) (err error) {
		c.Log.Pretty, err = strconv.ParseBool(v)
		return err
	})

	return errors.Join(errs...)
}

// Validate checks the values New would reject, with file-level names.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must be >= 0 (got %v)", c.RateLimit))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries))
	}
	if c.Cache.SizeLimitMB < 0 {
		errs = append(errs, fmt.Errorf("cache.size_limit_mb must be >= 0 (got %v)", c.Cache.SizeLimitMB))
	}
	if c.Cache.RedisTTL < 0 {
		errs = append(errs, fmt.Errorf("cache.redis_ttl must be >= 0 (got %v)", c.Cache.RedisTTL))
	}
	if c.Cache.TimeLimit < 0 {
		errs = append(errs, fmt.Errorf("cache.time_limit must be >= 0 (got %v)", c.Cache.TimeLimit))
	}
	if _, err := logging.ParseLevel(logging.LogLevel(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// ClientConfig builds the client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.ServerURL)
	cfg.APIToken = c.APIToken
	cfg.HTTPUser = c.HTTPUser
	cfg.HTTPPassword = c.HTTPPassword
	cfg.UserAgent = c.UserAgent
	cfg.Timeout = c.Timeout
	cfg.RateLimit = c.RateLimit
	cfg.Burst = c.Burst
	cfg.MaxRetries = c.MaxRetries
	cfg.Caching = c.Cache.Enabled
	cfg.CacheSizeLimitMB = c.Cache.SizeLimitMB
	cfg.CacheTimeLimit = c.Cache.TimeLimit
	return cfg
}

// LoggingConfig builds the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
