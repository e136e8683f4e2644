package database

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds database connection settings. URL wins when set; otherwise
// the discrete fields are assembled into a keyword DSN.
type Config struct {
	// URL is a full postgres:// connection string, usually from ORCH_DB_URL.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the connection string handed to the pgx driver.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseName returns the database name for migration bookkeeping. With a
// URL config the last path segment is used; query parameters are stripped.
func (c Config) DatabaseName() string {
	if c.URL == "" {
		return c.Database
	}
	name := c.URL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "orchestrator"
	}
	return name
}

// LoadConfigFromEnv loads database configuration from environment variables.
// ORCH_DB_URL takes precedence; the discrete DB_* variables cover local
// development.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:             os.Getenv("ORCH_DB_URL"),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	maxOpen, err := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.MaxOpenConns = maxOpen
	cfg.MaxIdleConns = maxIdle

	if cfg.URL != "" {
		return cfg, nil
	}

	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	cfg.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.Port = port
	cfg.User = getEnvOrDefault("DB_USER", "orchestrator")
	cfg.Password = os.Getenv("DB_PASSWORD")
	cfg.Database = getEnvOrDefault("DB_NAME", "orchestrator")
	cfg.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
