// Package config provides configuration management for ToolGate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Database  DatabaseConfig  `toml:"database"`
	Security  SecurityConfig  `toml:"security"`
	Gateway   GatewayConfig   `toml:"gateway"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
	AllowedOrigins []string      `toml:"allowed_origins"`
}

// TelemetryConfig contains observability settings
type TelemetryConfig struct {
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	LogFormat         string `toml:"log_format"` // "json" or "text"
	LogLevel          string `toml:"log_level"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Driver     string        `toml:"driver"` // "postgres" or "memory"
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// SecurityConfig contains secret-protection settings.
// EncryptionKey is the preferred cipher key source; AppSecret is the
// already-present application secret the key is derived from when no
// dedicated key is configured.
type SecurityConfig struct {
	EncryptionKey string `toml:"encryption_key"`
	AppSecret     string `toml:"app_secret"`
}

// GatewayConfig contains tool gateway settings
type GatewayConfig struct {
	RequestTimeout time.Duration `toml:"request_timeout"` // per outbound tool call
	MaxQueryLength int           `toml:"max_query_length"`
	DefaultLimit   int           `toml:"default_limit"`
	MaxLimit       int           `toml:"max_limit"`
	RetryAttempts  int           `toml:"retry_attempts"` // total attempts per outbound call
	RetryBackoff   time.Duration `toml:"retry_backoff"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxRequestSize: 1 * 1024 * 1024, // 1MB
		},
		Telemetry: TelemetryConfig{
			ServiceName:       "toolgate",
			PrometheusEnabled: true,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "toolgate",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
		},
		Gateway: GatewayConfig{
			RequestTimeout: 15 * time.Second,
			MaxQueryLength: 1000,
			DefaultLimit:   20,
			MaxLimit:       100,
			RetryAttempts:  3,
			RetryBackoff:   250 * time.Millisecond,
		},
	}
}

// Load loads configuration from a file. A missing file yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.substituteEnvVars()
	return cfg, nil
}

// substituteEnvVars expands ${VAR} patterns and applies direct TOOLGATE_*
// environment variable overrides
func (c *Config) substituteEnvVars() {
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)
	c.Security.EncryptionKey = expandEnv(c.Security.EncryptionKey)
	c.Security.AppSecret = expandEnv(c.Security.AppSecret)

	if v := os.Getenv("TOOLGATE_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("TOOLGATE_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("TOOLGATE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("TOOLGATE_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("TOOLGATE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("TOOLGATE_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("TOOLGATE_DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("TOOLGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("TOOLGATE_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("TOOLGATE_APP_SECRET"); v != "" {
		c.Security.AppSecret = v
	}
	if v := os.Getenv("TOOLGATE_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("TOOLGATE_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}
