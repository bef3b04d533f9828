package tradingview

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config tunes the client. Zero values select the defaults noted per
// field, so the zero Config is usable.
type Config struct {
	// URL overrides the websocket endpoint (tests point this at a mock).
	URL string `yaml:"url"`

	// Token is a TradingView JWT. Defaults to the TV_TOKEN environment
	// variable; empty falls back to the anonymous token with reduced
	// history access.
	Token    string `yaml:"token"`
	PlanTier string `yaml:"plan_tier"`

	// TokenPath is where recovered tokens are cached
	// (default ~/.tvdatafeed/token.json).
	TokenPath string `yaml:"token_path"`

	// SecurityInfoPath is the instrument metadata cache
	// (default ~/.tvdatafeed/security_info.toml).
	SecurityInfoPath string `yaml:"security_info_path"`

	// ReadTimeoutSeconds is the per-frame wait while streaming
	// (default 30).
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`

	// StreamTimeoutSeconds caps one whole streaming run; 0 means no cap.
	StreamTimeoutSeconds int `yaml:"stream_timeout_seconds"`

	// ChunkDays overrides the derived chunk span for range fetches; 0
	// derives it from the plan tier and interval.
	ChunkDays int `yaml:"chunk_days"`

	// SleepSeconds paces chunk requests and scales retry backoff
	// (default 2).
	SleepSeconds float64 `yaml:"sleep_seconds"`
}

// LoadConfig reads a YAML config file and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a config populated from the environment.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if c.Token == "" {
		c.Token = os.Getenv("TV_TOKEN")
	}
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	if c.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("read_timeout_seconds must not be negative, got %d", c.ReadTimeoutSeconds)
	}
	if c.StreamTimeoutSeconds < 0 {
		return fmt.Errorf("stream_timeout_seconds must not be negative, got %d", c.StreamTimeoutSeconds)
	}
	if c.ChunkDays < 0 {
		return fmt.Errorf("chunk_days must not be negative, got %d", c.ChunkDays)
	}
	if c.SleepSeconds < 0 {
		return fmt.Errorf("sleep_seconds must not be negative, got %v", c.SleepSeconds)
	}
	return nil
}
