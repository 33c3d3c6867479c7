// Package config loads the service configuration with defaults → YAML file
// → environment variable precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Directory  DirectoryConfig  `yaml:"directory"`
	SourceCRM  SourceCRMConfig  `yaml:"source_crm"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Debug      DebugConfig      `yaml:"debug"`
	Worker     WorkerConfig     `yaml:"worker"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DirectoryConfig contains directory API client settings.
type DirectoryConfig struct {
	BaseURL         string   `yaml:"base_url"`
	TokenURL        string   `yaml:"token_url"`
	RateLimitRPM    int      `yaml:"rate_limit_rpm"`
	GroupName       string   `yaml:"group_name"`
	AutoMerge       bool     `yaml:"auto_merge"`
	ClientID        string   `yaml:"-"` // env-only
	ClientSecret    string   `yaml:"-"` // env-only
}

// SourceCRMConfig contains source CRM client settings.
type SourceCRMConfig struct {
	BaseURL        string   `yaml:"base_url"`
	ClientTimeout  Duration `yaml:"client_timeout"`
	APIKey         string   `yaml:"-"` // env-only
}

// WebhookConfig contains inbound webhook settings.
type WebhookConfig struct {
	Secret string `yaml:"-"` // env-only
}

// DebugConfig contains debug/apply endpoint settings.
type DebugConfig struct {
	Secret string `yaml:"-"` // env-only
}

// WorkerConfig contains pending-queue worker settings.
type WorkerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CONTACTSYNC_CONFIG_PATH", "config/contactsync.yaml")

	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path. Used for testing
// and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/contactsync.db",
		},
		Directory: DirectoryConfig{
			BaseURL:      "https://people.googleapis.com/v1",
			TokenURL:     "https://oauth2.googleapis.com/token",
			RateLimitRPM: 20,
		},
		SourceCRM: SourceCRMConfig{
			ClientTimeout: Duration(10 * time.Second),
		},
		Worker: WorkerConfig{
			PollInterval: Duration(5 * time.Second),
			BatchSize:    25,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists. Missing
// file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CONTACTSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONTACTSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CONTACTSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CONTACTSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("CONTACTSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Directory
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_BASE_URL"); v != "" {
		cfg.Directory.BaseURL = v
	}
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_TOKEN_URL"); v != "" {
		cfg.Directory.TokenURL = v
	}
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Directory.RateLimitRPM = n
		}
	}
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_GROUP_NAME"); v != "" {
		cfg.Directory.GroupName = v
	}
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_AUTO_MERGE"); v != "" {
		cfg.Directory.AutoMerge = v == "true" || v == "1"
	}
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_CLIENT_ID"); v != "" {
		cfg.Directory.ClientID = v
	}
	if v := os.Getenv("CONTACTSYNC_DIRECTORY_CLIENT_SECRET"); v != "" {
		cfg.Directory.ClientSecret = v
	}

	// Source CRM
	if v := os.Getenv("CONTACTSYNC_SOURCE_CRM_BASE_URL"); v != "" {
		cfg.SourceCRM.BaseURL = v
	}
	if v := os.Getenv("CONTACTSYNC_SOURCE_CRM_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SourceCRM.ClientTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CONTACTSYNC_SOURCE_CRM_API_KEY"); v != "" {
		cfg.SourceCRM.APIKey = v
	}

	// Webhook / debug secrets
	if v := os.Getenv("CONTACTSYNC_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("CONTACTSYNC_DEBUG_SECRET"); v != "" {
		cfg.Debug.Secret = v
	}

	// Worker
	if v := os.Getenv("CONTACTSYNC_WORKER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("CONTACTSYNC_WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.BatchSize = n
		}
	}

	// Log
	if v := os.Getenv("CONTACTSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CONTACTSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set. In dev mode
// (CONTACTSYNC_DEV_MODE=true), secret-presence validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("CONTACTSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Webhook.Secret == "" {
		return errors.New("CONTACTSYNC_WEBHOOK_SECRET is required")
	}
	if c.Debug.Secret == "" {
		return errors.New("CONTACTSYNC_DEBUG_SECRET is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
