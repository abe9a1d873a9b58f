// Package config loads runtime configuration: defaults, then an optional
// YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "2m" as well as from integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Provider   ProviderConfig   `yaml:"provider"`
	Agent      AgentConfig      `yaml:"agent"`
	Loop       LoopConfig       `yaml:"loop"`
	Compaction CompactionConfig `yaml:"compaction"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	// Addr is the gateway listen address, host:port.
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`
}

type ProviderConfig struct {
	// Name selects the model backend: "anthropic" or "openai".
	Name string `yaml:"name"`

	// APIKey is normally supplied via environment, not the file.
	APIKey string `yaml:"api_key"`

	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type LoopConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	RateLimitRetries int           `yaml:"rate_limit_retries"`
	RateLimitDelay   Duration `yaml:"rate_limit_delay"`
}

type CompactionConfig struct {
	Cooldown         Duration `yaml:"cooldown"`
	MaxFrames        int           `yaml:"max_frames"`
	MaxTokens        int           `yaml:"max_tokens"`
	SummaryMaxTokens int           `yaml:"summary_max_tokens"`

	// Pinned entries are carried into every checkpoint snapshot.
	Pinned map[string]map[string]any `yaml:"pinned"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8420"},
		Database: DatabaseConfig{Path: "strand.db"},
		Provider: ProviderConfig{Name: "anthropic"},
		Agent: AgentConfig{
			ID:    "default",
			Name:  "assistant",
			Model: "",
		},
		Loop: LoopConfig{
			MaxIterations:    12,
			RateLimitRetries: 3,
			RateLimitDelay:   Duration(2 * time.Second),
		},
		Compaction: CompactionConfig{
			Cooldown:         Duration(2 * time.Minute),
			MaxFrames:        40,
			MaxTokens:        8000,
			SummaryMaxTokens: 1024,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. A missing file is not an error; the
// defaults plus environment still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "STRAND_ADDR")
	setString(&c.Database.Path, "STRAND_DB_PATH")
	setString(&c.Provider.Name, "STRAND_PROVIDER")
	setString(&c.Provider.BaseURL, "STRAND_PROVIDER_BASE_URL")
	setString(&c.Agent.Model, "STRAND_MODEL")
	setString(&c.Logging.Level, "STRAND_LOG_LEVEL")
	setString(&c.Logging.Format, "STRAND_LOG_FORMAT")
	setInt(&c.Loop.MaxIterations, "STRAND_MAX_ITERATIONS")

	if c.Provider.APIKey == "" {
		switch c.Provider.Name {
		case "openai":
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			c.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func (c *Config) validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
