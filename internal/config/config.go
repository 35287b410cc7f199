// ABOUTME: Configuration loading and parsing for coven-scheduler
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-scheduler configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Database  DatabaseConfig      `yaml:"database"`
	Auth      AuthConfig          `yaml:"auth"`
	Agents    AgentsConfig        `yaml:"agents"`
	Providers map[string]Provider `yaml:"providers"`
	Cron      CronConfig          `yaml:"cron"`
	Logging   LoggingConfig       `yaml:"logging"`
	Metrics   MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds the health/status listener address. Transport
// protocols proper (the wire format agents speak) are out of scope; this
// is only the scheduler's own liveness surface.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig points at the sqlite file backing subagent run persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the JWT signing secret used by the default credential
// resolver (see internal/authcache.JWTResolver).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig groups the per-agent-class defaults consulted by the
// orchestrator, auth cache, coalescer, and subagent registry.
type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults"`
}

// AgentDefaults is §6's default knob set for a single agent class.
type AgentDefaults struct {
	MaxConcurrentSessions int             `yaml:"maxConcurrentSessions"`
	AuthCache             AuthCacheConfig `yaml:"authCache"`
	Coalesce              CoalesceConfig  `yaml:"coalesce"`
	Subagents             SubagentsConfig `yaml:"subagents"`
}

// AuthCacheConfig mirrors authcache.Config's tunables in raw-millisecond
// form, as the wire config expresses them.
type AuthCacheConfig struct {
	TTLMs   int64 `yaml:"ttlMs"`
	MaxSize int   `yaml:"maxSize"`
}

// CoalesceConfig mirrors coalesce.Config's tunables.
type CoalesceConfig struct {
	Enabled     bool  `yaml:"enabled"`
	WindowMs    int64 `yaml:"windowMs"`
	MaxMessages int   `yaml:"maxMessages"`
}

// SubagentsConfig controls the archival sweep's grace window (§4.F).
type SubagentsConfig struct {
	ArchiveAfterMinutes int `yaml:"archiveAfterMinutes"`
}

// Provider describes one model provider's pool of auth profiles and the
// order FindAvailable should try them in.
type Provider struct {
	Profiles []ProfileConfig `yaml:"profiles"`
}

// ProfileConfig is a single named credential profile plus a configured
// cooldown length. CooldownDuration is filled from CooldownSeconds at load
// time; nothing in this module puts a profile into cooldown automatically
// (profiles.Store.Cooldown takes its duration from its caller).
type ProfileConfig struct {
	ID               string        `yaml:"id"`
	CooldownSeconds  int           `yaml:"cooldownSeconds"`
	CooldownDuration time.Duration `yaml:"-"`
}

// CronConfig bounds how many concurrently-running scheduled jobs the
// "cron" named lane admits at once (§6).
type CronConfig struct {
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Each profile's cooldownSeconds is converted into a time.Duration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	// Coalescing defaults to enabled; an explicit "enabled: false" in the
	// file overrides this, since absent keys leave the field untouched.
	cfg.Agents.Defaults.Coalesce.Enabled = true
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	parseDurations(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in the §6-documented defaults for any knob the
// config file left at its zero value.
func (c *Config) applyDefaults() {
	d := &c.Agents.Defaults
	if d.MaxConcurrentSessions <= 0 {
		d.MaxConcurrentSessions = 16
	}
	if d.AuthCache.TTLMs <= 0 {
		d.AuthCache.TTLMs = 5 * 60 * 1000
	}
	if d.AuthCache.MaxSize <= 0 {
		d.AuthCache.MaxSize = 50
	}
	if d.Coalesce.WindowMs <= 0 {
		d.Coalesce.WindowMs = 1500
	}
	if d.Coalesce.MaxMessages <= 0 {
		d.Coalesce.MaxMessages = 10
	}
	if d.Subagents.ArchiveAfterMinutes <= 0 {
		d.Subagents.ArchiveAfterMinutes = 60
	}
	if c.Cron.MaxConcurrentRuns <= 0 {
		c.Cron.MaxConcurrentRuns = 1
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	for name, p := range c.Providers {
		seen := make(map[string]bool, len(p.Profiles))
		for _, prof := range p.Profiles {
			if prof.ID == "" {
				return fmt.Errorf("providers.%s: profile id is required", name)
			}
			if seen[prof.ID] {
				return fmt.Errorf("providers.%s: duplicate profile id %q", name, prof.ID)
			}
			seen[prof.ID] = true
		}
	}

	return nil
}

// parseDurations converts the raw cooldown-second fields into time.Duration values.
func parseDurations(cfg *Config) {
	for name, p := range cfg.Providers {
		for i := range p.Profiles {
			secs := p.Profiles[i].CooldownSeconds
			if secs <= 0 {
				secs = 30
			}
			p.Profiles[i].CooldownDuration = time.Duration(secs) * time.Second
		}
		cfg.Providers[name] = p
	}
}
