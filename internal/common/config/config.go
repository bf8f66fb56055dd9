// Package config provides configuration management for sandboxd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sandboxd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	ProcessGC GCConfig      `mapstructure:"processGC"`
	PortGC   GCConfig       `mapstructure:"portGC"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration.
// Port is the control plane port and is reserved: it can never be exposed
// through the port reverse-proxy registry (C7).
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionConfig holds the defaults applied to every session unless overridden
// at session-creation time.
type SessionConfig struct {
	CommandTimeoutMs  int    `mapstructure:"commandTimeoutMs"`
	MaxOutputSizeBytes int64 `mapstructure:"maxOutputSizeBytes"`
	DefaultCwd        string `mapstructure:"defaultCwd"`
	Locale            string `mapstructure:"locale"`
	PollIntervalMs    int    `mapstructure:"pollIntervalMs"`
	KillGraceMs       int    `mapstructure:"killGraceMs"`
}

// GCConfig holds the interval/age pair shared by the ProcessService and
// port-registry garbage collectors.
type GCConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"maxAge"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AuditConfig holds the optional audit-sink configuration (internal/audit).
// When DatabaseURL is empty, auditing is disabled and calls become no-ops.
type AuditConfig struct {
	DatabaseURL string `mapstructure:"databaseUrl"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeout returns the default per-command timeout as a time.Duration.
func (s *SessionConfig) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutMs) * time.Millisecond
}

// PollInterval returns the execStream log-polling interval as a time.Duration.
func (s *SessionConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period as a time.Duration.
func (s *SessionConfig) KillGrace() time.Duration {
	return time.Duration(s.KillGraceMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" (human-readable) otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOXD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("session.commandTimeoutMs", 30000)
	v.SetDefault("session.maxOutputSizeBytes", 10*1024*1024)
	v.SetDefault("session.defaultCwd", "/workspace")
	v.SetDefault("session.locale", "C.UTF-8")
	v.SetDefault("session.pollIntervalMs", 100)
	v.SetDefault("session.killGraceMs", 1000)

	v.SetDefault("processGC.interval", 30*time.Minute)
	v.SetDefault("processGC.maxAge", 30*time.Minute)

	v.SetDefault("portGC.interval", 10*time.Minute)
	v.SetDefault("portGC.maxAge", time.Hour)

	// NATS defaults - empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "sandboxd-cluster")
	v.SetDefault("nats.clientId", "sandboxd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("audit.databaseUrl", "")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults. Environment variables use the prefix SANDBOXD_ with
// snake_case naming (e.g. SANDBOXD_SESSION_COMMANDTIMEOUTMS).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the legacy-shaped env vars named in spec.md §6.4.
	_ = v.BindEnv("session.commandTimeoutMs", "COMMAND_TIMEOUT_MS")
	_ = v.BindEnv("session.maxOutputSizeBytes", "MAX_OUTPUT_SIZE_BYTES")
	_ = v.BindEnv("logging.level", "SANDBOXD_LOG_LEVEL")
	_ = v.BindEnv("audit.databaseUrl", "AUDIT_DATABASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxd/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Session.CommandTimeoutMs <= 0 {
		errs = append(errs, "session.commandTimeoutMs must be positive")
	}
	if cfg.Session.MaxOutputSizeBytes <= 0 {
		errs = append(errs, "session.maxOutputSizeBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
