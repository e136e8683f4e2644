package config

import (
	"fmt"
	"time"
)

// ServerConfig controls the HTTP control plane.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKey is the bearer token required on every control route. Usually
	// supplied via ORCH_API_KEY rather than YAML.
	APIKey string `yaml:"api_key"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks server parameters. The API key is validated at startup
// by the server itself so that read-only tooling can load config without
// credentials.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server: %w: port must be in 1..65535", ErrInvalidValue)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("server: %w: shutdown_timeout must be positive", ErrInvalidValue)
	}
	return nil
}
