package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/velmik/coldsend/internal/smtp"
)

// Config is the main configuration structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	SMTP    smtp.Config   `yaml:"smtp"`
	Send    SendConfig    `yaml:"send"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN used in HELO and Message-ID
}

// SendConfig contains bulk dispatch settings
type SendConfig struct {
	RatePerHour int           `yaml:"rate_per_hour"` // Default: 300
	MaxAttempts int           `yaml:"max_attempts"`  // Default: 3
	BackoffBase time.Duration `yaml:"backoff_base"`  // Default: 1s, doubled per attempt
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // Default: /var/lib/coldsend/coldsend.db
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`   // Default: :8080
	BaseURL      string        `yaml:"base_url"`      // Public URL used in unsubscribe links
	CORSOrigins  []string      `yaml:"cors_origins"`  // Allowed CORS origins (empty = allow all)
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // Default: 60s

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains API rate limiting settings
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"` // Default: 100
	Window      time.Duration `yaml:"window"`       // Default: 1m
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	// SMTP client defaults (pool size, timeouts) live on smtp.Config.
	c.SMTP.ApplyDefaults()

	if c.Send.RatePerHour == 0 {
		c.Send.RatePerHour = 300
	}
	if c.Send.MaxAttempts == 0 {
		c.Send.MaxAttempts = 3
	}
	if c.Send.BackoffBase == 0 {
		c.Send.BackoffBase = time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/coldsend/coldsend.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.RateLimit.MaxRequests == 0 {
		c.API.RateLimit.MaxRequests = 100
	}
	if c.API.RateLimit.Window == 0 {
		c.API.RateLimit.Window = time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.SMTP.Validate(); err != nil {
		return err
	}

	if c.Send.RatePerHour < 0 {
		return fmt.Errorf("send.rate_per_hour must be positive")
	}
	if c.Send.MaxAttempts < 1 {
		return fmt.Errorf("send.max_attempts must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
