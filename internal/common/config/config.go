// Package config provides configuration management for devflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for devflow.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backing store: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent CLI configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable name or path (default: claude).
	Binary string `mapstructure:"binary"`

	// AllowedTools restricts which tools the agent may call. Empty means
	// the CLI's own default tool set.
	AllowedTools []string `mapstructure:"allowedTools"`

	// ExtraArgs are appended verbatim to the assembled command line.
	ExtraArgs []string `mapstructure:"extraArgs"`

	// ExtraEnv entries (KEY=VALUE) are appended to the inherited environment.
	ExtraEnv []string `mapstructure:"extraEnv"`
}

// SessionConfig holds PTY session lifecycle configuration.
type SessionConfig struct {
	IdleTimeout       int `mapstructure:"idleTimeout"`       // seconds without activity before eviction
	JanitorInterval   int `mapstructure:"janitorInterval"`   // seconds between idle sweeps
	ReplayBufferBytes int `mapstructure:"replayBufferBytes"` // replay ring buffer target size
	CaptureMaxLines   int `mapstructure:"captureMaxLines"`   // session-id scan line bound
	CaptureTimeout    int `mapstructure:"captureTimeout"`    // session-id scan bound in seconds
	CloseGrace        int `mapstructure:"closeGrace"`        // seconds between SIGTERM and SIGKILL
	InjectDelayMillis int `mapstructure:"injectDelayMillis"` // delay before milestone stdin injection
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// JanitorIntervalDuration returns the janitor sweep interval as a time.Duration.
func (s *SessionConfig) JanitorIntervalDuration() time.Duration {
	return time.Duration(s.JanitorInterval) * time.Second
}

// CaptureTimeoutDuration returns the session-id scan bound as a time.Duration.
func (s *SessionConfig) CaptureTimeoutDuration() time.Duration {
	return time.Duration(s.CaptureTimeout) * time.Second
}

// CloseGraceDuration returns the SIGTERM grace period as a time.Duration.
func (s *SessionConfig) CloseGraceDuration() time.Duration {
	return time.Duration(s.CloseGrace) * time.Second
}

// InjectDelayDuration returns the milestone injection delay as a time.Duration.
func (s *SessionConfig) InjectDelayDuration() time.Duration {
	return time.Duration(s.InjectDelayMillis) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("DEVFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file store unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlitePath", "devflow.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devflow-backend")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.allowedTools", []string{})
	v.SetDefault("agent.extraArgs", []string{})
	v.SetDefault("agent.extraEnv", []string{})

	// Session defaults
	v.SetDefault("session.idleTimeout", 1800) // 30 minutes
	v.SetDefault("session.janitorInterval", 60)
	v.SetDefault("session.replayBufferBytes", 64*1024)
	v.SetDefault("session.captureMaxLines", 100)
	v.SetDefault("session.captureTimeout", 10)
	v.SetDefault("session.closeGrace", 5)
	v.SetDefault("session.injectDelayMillis", 500)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - off unless an endpoint is configured
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "devflow-backend")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/devflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.sqlitePath", "DEVFLOW_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("session.idleTimeout", "DEVFLOW_SESSION_IDLE_TIMEOUT")
	_ = v.BindEnv("session.replayBufferBytes", "DEVFLOW_SESSION_REPLAY_BUFFER_BYTES")
	_ = v.BindEnv("agent.binary", "DEVFLOW_AGENT_BINARY")
	_ = v.BindEnv("tracing.endpoint", "DEVFLOW_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary must not be empty")
	}

	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, "session.idleTimeout must be positive")
	}
	if cfg.Session.JanitorInterval <= 0 {
		errs = append(errs, "session.janitorInterval must be positive")
	}
	if cfg.Session.ReplayBufferBytes <= 0 {
		errs = append(errs, "session.replayBufferBytes must be positive")
	}
	if cfg.Session.CaptureMaxLines <= 0 {
		errs = append(errs, "session.captureMaxLines must be positive")
	}
	if cfg.Session.CloseGrace < 0 {
		errs = append(errs, "session.closeGrace must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SQLiteDSN returns the sqlite connection string with foreign keys enabled.
func (d *DatabaseConfig) SQLiteDSN() string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", d.SQLitePath)
}
