// Package config loads PolySage configuration from YAML with environment
// variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all PolySage configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP API
	Server ServerConfig `yaml:"server"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// External data services
	Polymarket PolymarketConfig `yaml:"polymarket"`
	News       NewsConfig       `yaml:"news"`

	// Analysis worker processes
	Workers WorkersConfig `yaml:"workers"`

	// Response cache
	Cache CacheConfig `yaml:"cache"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the LLM client.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// PolymarketConfig configures the Polymarket CLOB client.
type PolymarketConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// NewsConfig configures the NewsAPI client.
type NewsConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// WorkerConfig describes one analysis worker process.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// WorkersConfig configures the worker process supervisor.
type WorkersConfig struct {
	Polymarket WorkerConfig `yaml:"polymarket"`
	News       WorkerConfig `yaml:"news"`

	// SettleDelay is how long to wait after spawning before the
	// initialize handshake.
	SettleDelay string `yaml:"settle_delay"`

	// CallTimeout bounds a single tool call.
	CallTimeout string `yaml:"call_timeout"`

	// ShutdownGrace is how long to wait for graceful exit before SIGKILL.
	ShutdownGrace string `yaml:"shutdown_grace"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "polysage",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     "30s",
			ShutdownTimeout: "10s",
		},

		LLM: LLMConfig{
			Model:   "claude-sonnet-4-20250514",
			BaseURL: "https://api.anthropic.com/v1",
			Timeout: "60s",
		},

		Polymarket: PolymarketConfig{
			BaseURL: "https://clob.polymarket.com",
			Timeout: "10s",
		},

		News: NewsConfig{
			BaseURL: "https://newsapi.org/v2",
			Timeout: "10s",
		},

		Workers: WorkersConfig{
			Polymarket: WorkerConfig{
				Command: "python3",
				Args:    []string{"mcp_servers/polymarket_server/server.py"},
			},
			News: WorkerConfig{
				Command: "python3",
				Args:    []string{"mcp_servers/news_server/server.py"},
			},
			SettleDelay:   "3s",
			CallTimeout:   "15s",
			ShutdownGrace: "3s",
		},

		Cache: CacheConfig{
			Path: "data/response_cache.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error; defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Secrets
// never live in the YAML file in production.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("CLAUDE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("NEWS_API_KEY"); key != "" {
		c.News.APIKey = key
	}
	if url := os.Getenv("POLY_API_URL"); url != "" {
		c.Polymarket.BaseURL = url
	}
	if addr := os.Getenv("POLYSAGE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// Duration parses a duration string, returning fallback when the value
// is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
