// ABOUTME: Configuration loading and parsing for canvas-gateway.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete canvas-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	GenAI    GenAIConfig    `yaml:"genai"`
	Sessions SessionsConfig `yaml:"sessions"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// GenAIConfig holds upstream generation API configuration. The API key is
// read from the named environment variable, never from the file itself.
type GenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// SessionsConfig holds session lifetime configuration.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// GatewayConfig holds WebSocket gateway configuration.
type GatewayConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	// DevMode disables origin checking. Never enable in production.
	DevMode bool `yaml:"dev_mode"`

	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
}

// DatabaseConfig holds transcript ledger configuration. An empty path
// disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "localhost:8787"},
		GenAI: GenAIConfig{
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "gpt-4o-mini",
			Timeout:   120 * time.Second,
		},
		Sessions: SessionsConfig{
			TTL:           24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses the config file at path, applying defaults for any
// field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references with their environment values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// parseDurations converts raw duration strings into time.Duration fields.
func parseDurations(cfg *Config) error {
	parse := func(raw string, dst *time.Duration, field string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s duration %q: %w", field, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.GenAI.TimeoutRaw, &cfg.GenAI.Timeout, "genai.timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Sessions.TTLRaw, &cfg.Sessions.TTL, "sessions.ttl"); err != nil {
		return err
	}
	if err := parse(cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, "sessions.sweep_interval"); err != nil {
		return err
	}
	return parse(cfg.Gateway.HeartbeatIntervalRaw, &cfg.Gateway.HeartbeatInterval, "gateway.heartbeat_interval")
}

// Validate checks for configuration that cannot work.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.GenAI.BaseURL == "" {
		return fmt.Errorf("genai.base_url is required")
	}
	if c.GenAI.Model == "" {
		return fmt.Errorf("genai.model is required")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval must be positive")
	}
	if !c.Gateway.DevMode && len(c.Gateway.AllowedOrigins) == 0 {
		return fmt.Errorf("gateway.allowed_origins is required unless dev_mode is set")
	}
	return nil
}

// APIKey resolves the upstream API key from the configured environment
// variable.
func (c *Config) APIKey() string {
	if c.GenAI.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.GenAI.APIKeyEnv)
}
