package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Notify   NotifyConfig   `toml:"notify"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port        string  `toml:"port"`
	Host        string  `toml:"host"`
	EnableCORS  bool    `toml:"enable_cors"`
	ReadTimeout int     `toml:"read_timeout_seconds"`
	WriteRate   float64 `toml:"write_rate_per_second"` // per owner, 0 disables limiting
	WriteBurst  int     `toml:"write_burst"`
	BaseURL     string  `toml:"base_url"` // used by `plyr watch`
}

// DatabaseConfig contains canonical store configuration
type DatabaseConfig struct {
	Driver         string `toml:"driver"` // sqlite | postgres | memory
	Path           string `toml:"path"`
	URL            string `toml:"url"`
	MaxConnections int    `toml:"max_connections"`
}

// NotifyConfig contains change notifier configuration
type NotifyConfig struct {
	Driver          string `toml:"driver"` // none | redis | postgres
	RedisURL        string `toml:"redis_url"`
	Channel         string `toml:"channel"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

// SyncConfig contains client-side synchronization tuning
type SyncConfig struct {
	DebounceMillis     int    `toml:"debounce_ms"`
	PollIntervalMillis int    `toml:"poll_interval_ms"`
	RetryBaseMillis    int    `toml:"retry_base_ms"`
	RetryCapMillis     int    `toml:"retry_cap_ms"`
	MaxAttempts        int    `toml:"max_attempts"`
	ConflictPolicy     string `toml:"conflict_policy"` // rebase | server
	ChannelPrefix      string `toml:"channel_prefix"`
	MaxTracks          int    `toml:"max_tracks"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	RequestLogging bool   `toml:"request_logging"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Host:        "0.0.0.0",
			EnableCORS:  true,
			ReadTimeout: 30,
			WriteRate:   20,
			WriteBurst:  40,
			BaseURL:     "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Driver:         "sqlite",
			Path:           "./plyr.db",
			URL:            "",
			MaxConnections: 10,
		},
		Notify: NotifyConfig{
			Driver:          "none",
			RedisURL:        "redis://localhost:6379",
			Channel:         "queue_changes",
			CacheTTLSeconds: 300,
		},
		Sync: SyncConfig{
			DebounceMillis:     250,
			PollIntervalMillis: 3000,
			RetryBaseMillis:    500,
			RetryCapMillis:     8000,
			MaxAttempts:        5,
			ConflictPolicy:     "rebase",
			ChannelPrefix:      "plyr",
			MaxTracks:          1000,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			RequestLogging: true,
		},
	}
}

// loadDotEnv loads path into the environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadConfig loads configuration from a TOML file, then applies .env and
// PLYR_* environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if err := loadDotEnv(".env"); err != nil {
		logrus.WithError(err).Warn("Could not load .env file")
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with PLYR_* environment variables.
func (c *Config) applyEnv() error {
	strOverrides := map[string]*string{
		"PLYR_HOST":            &c.Server.Host,
		"PLYR_PORT":            &c.Server.Port,
		"PLYR_BASE_URL":        &c.Server.BaseURL,
		"PLYR_DATABASE_DRIVER": &c.Database.Driver,
		"PLYR_DATABASE_PATH":   &c.Database.Path,
		"PLYR_DATABASE_URL":    &c.Database.URL,
		"PLYR_NOTIFY_DRIVER":   &c.Notify.Driver,
		"PLYR_REDIS_URL":       &c.Notify.RedisURL,
		"PLYR_LOG_LEVEL":       &c.Logging.Level,
		"PLYR_LOG_FORMAT":      &c.Logging.Format,
	}
	for key, dst := range strOverrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("PLYR_DEBOUNCE_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLYR_DEBOUNCE_MS: %w", err)
		}
		c.Sync.DebounceMillis = n
	}
	if v, ok := os.LookupEnv("PLYR_POLL_INTERVAL_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLYR_POLL_INTERVAL_MS: %w", err)
		}
		c.Sync.PollIntervalMillis = n
	}
	return nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create or open file
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// Write header comment
	header := `# plyr Queue Sync Configuration
# Server, canonical store, change notifier and client sync tuning.
# Any value can be overridden with PLYR_* environment variables or a .env file.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	// Encode configuration to TOML
	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteRate < 0 {
		return fmt.Errorf("server write rate cannot be negative")
	}
	if c.Server.WriteRate > 0 && c.Server.WriteBurst < 1 {
		return fmt.Errorf("server write burst must be at least 1 when rate limiting is enabled")
	}

	// Validate database config
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database url cannot be empty for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite, postgres, or memory)", c.Database.Driver)
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	// Validate notifier config
	switch c.Notify.Driver {
	case "none":
	case "redis":
		if c.Notify.RedisURL == "" {
			return fmt.Errorf("redis url cannot be empty for the redis notifier")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for the postgres notifier")
		}
	default:
		return fmt.Errorf("invalid notify driver: %s (must be none, redis, or postgres)", c.Notify.Driver)
	}
	if c.Notify.Channel == "" {
		return fmt.Errorf("notify channel cannot be empty")
	}
	if c.Notify.CacheTTLSeconds < 0 {
		return fmt.Errorf("notify cache ttl cannot be negative")
	}

	// Validate sync config
	if c.Sync.DebounceMillis < 0 {
		return fmt.Errorf("sync debounce cannot be negative")
	}
	if c.Sync.PollIntervalMillis < 100 {
		return fmt.Errorf("sync poll interval must be at least 100ms")
	}
	if c.Sync.RetryBaseMillis < 1 || c.Sync.RetryCapMillis < c.Sync.RetryBaseMillis {
		return fmt.Errorf("sync retry cap must be >= retry base and base must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync max attempts must be at least 1")
	}
	if c.Sync.ConflictPolicy != "rebase" && c.Sync.ConflictPolicy != "server" {
		return fmt.Errorf("invalid conflict policy: %s (must be rebase or server)", c.Sync.ConflictPolicy)
	}
	if c.Sync.ChannelPrefix == "" {
		return fmt.Errorf("sync channel prefix cannot be empty")
	}
	if c.Sync.MaxTracks < 1 {
		return fmt.Errorf("sync max tracks must be at least 1")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Debounce returns the dispatcher quiescence window
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMillis) * time.Millisecond
}

// PollInterval returns the cross-device reconciler interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMillis) * time.Millisecond
}

// RetryBase returns the first retry delay
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Sync.RetryBaseMillis) * time.Millisecond
}

// RetryCap returns the maximum retry delay
func (c *Config) RetryCap() time.Duration {
	return time.Duration(c.Sync.RetryCapMillis) * time.Millisecond
}

// CacheTTL returns how long canonical reads stay cached on the server
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Notify.CacheTTLSeconds) * time.Second
}

// ChannelName returns the cross-tab broadcast channel name
func (c *Config) ChannelName() string {
	return c.Sync.ChannelPrefix + "-queue"
}
