// ABOUTME: Configuration loading and parsing for herd-master
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete herd-master configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Minions  MinionsConfig  `yaml:"minions" toml:"minions"`
	Jobs     JobsConfig     `yaml:"jobs" toml:"jobs"`
	Publish  PublishConfig  `yaml:"publish" toml:"publish"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds the job archive location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication and publish-time ACL configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// DenyMinions lists minion IDs that are never sent jobs. A denied
	// minion's slot fails with reason "denied" instead of a send.
	DenyMinions []string `yaml:"deny_minions" toml:"deny_minions"`
}

// MinionsConfig holds minion liveness and delivery configuration
type MinionsConfig struct {
	StaleAfter  time.Duration `yaml:"-" toml:"-"`
	PollTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for file unmarshaling
	StaleAfterRaw  string `yaml:"stale_after" toml:"stale_after"`
	PollTimeoutRaw string `yaml:"poll_timeout" toml:"poll_timeout"`
}

// JobsConfig holds job lifecycle timing configuration
type JobsConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	RetentionTTL   time.Duration `yaml:"-" toml:"-"`
	ReapInterval   time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	RetentionTTLRaw   string `yaml:"retention_ttl" toml:"retention_ttl"`
	ReapIntervalRaw   string `yaml:"reap_interval" toml:"reap_interval"`
}

// PublishConfig bounds the publish fan-out
type PublishConfig struct {
	Workers   int     `yaml:"workers" toml:"workers"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Files ending in .toml are parsed as TOML, everything
// else as YAML. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Publish.Workers < 0 {
		return fmt.Errorf("publish.workers must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Minions.StaleAfterRaw, "minions.stale_after", &cfg.Minions.StaleAfter},
		{cfg.Minions.PollTimeoutRaw, "minions.poll_timeout", &cfg.Minions.PollTimeout},
		{cfg.Jobs.DefaultTimeoutRaw, "jobs.default_timeout", &cfg.Jobs.DefaultTimeout},
		{cfg.Jobs.RetentionTTLRaw, "jobs.retention_ttl", &cfg.Jobs.RetentionTTL},
		{cfg.Jobs.ReapIntervalRaw, "jobs.reap_interval", &cfg.Jobs.ReapInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	applyTimingDefaults(cfg)
	return nil
}

// applyTimingDefaults fills in unset timing values.
func applyTimingDefaults(cfg *Config) {
	if cfg.Minions.StaleAfter == 0 {
		cfg.Minions.StaleAfter = 90 * time.Second
	}
	if cfg.Minions.PollTimeout == 0 {
		cfg.Minions.PollTimeout = 30 * time.Second
	}
	if cfg.Jobs.DefaultTimeout == 0 {
		cfg.Jobs.DefaultTimeout = 30 * time.Second
	}
	if cfg.Jobs.RetentionTTL == 0 {
		cfg.Jobs.RetentionTTL = 24 * time.Hour
	}
	if cfg.Jobs.ReapInterval == 0 {
		cfg.Jobs.ReapInterval = 5 * time.Minute
	}
	if cfg.Publish.Workers == 0 {
		cfg.Publish.Workers = 8
	}
}
