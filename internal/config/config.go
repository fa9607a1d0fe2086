// Package config loads server configuration from the process environment,
// with an optional TOML file for per-transport settings.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the fully resolved server configuration.
type Config struct {
	Storage  StorageConfig
	Database DatabaseConfig
	Auth     AuthConfig
	HTTP     HTTPConfig
	Logging  LoggingConfig
	Env      string

	Transports TransportsConfig
}

// StorageConfig controls the content-addressed blob store root.
type StorageConfig struct {
	Path string
}

// DatabaseConfig points at the SQLite database file.
type DatabaseConfig struct {
	Path string
}

// AuthConfig carries the HS256 secret used to verify bearer tokens.
type AuthConfig struct {
	JWTSecret string
}

// HTTPConfig controls the API/gateway listener.
type HTTPConfig struct {
	Port string
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string
	Dir   string
}

// SMTPConfig carries outbound mail settings for the email transport.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// DiscordConfig maps a logical channel name to a webhook URL for the
// discord transport.
type DiscordConfig struct {
	Webhooks map[string]string `toml:"webhooks"`
}

// TelegramConfig carries the Bot API token for the telegram transport.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
}

// P2PConfig carries bootstrap settings for the peer-to-peer transport.
type P2PConfig struct {
	ListenPort int      `toml:"listen_port"`
	SeedPeers  []string `toml:"seed_peers"`
}

// CacheConfig points at an optional Redis instance used for presence and
// rate-limit state. An empty URL falls back to an in-process cache.
type CacheConfig struct {
	URL string `toml:"url"`
}

// SearchConfig points at an optional Meilisearch instance used for document
// search. An empty URL falls back to a SQL LIKE query.
type SearchConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// S3MirrorConfig optionally mirrors stored blobs to an S3-compatible bucket.
type S3MirrorConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// TransportsConfig is the optional per-transport settings file.
type TransportsConfig struct {
	SMTP     SMTPConfig     `toml:"smtp"`
	Discord  DiscordConfig  `toml:"discord"`
	Telegram TelegramConfig `toml:"telegram"`
	P2P      P2PConfig      `toml:"p2p"`
	Cache    CacheConfig    `toml:"cache"`
	Search   SearchConfig   `toml:"search"`
	S3Mirror S3MirrorConfig `toml:"s3_mirror"`
}

func defaults() *Config {
	return &Config{
		Storage:  StorageConfig{Path: "./data/storage"},
		Database: DatabaseConfig{Path: "./data/firma-sign.db"},
		Auth:     AuthConfig{JWTSecret: ""},
		HTTP:     HTTPConfig{Port: "8080"},
		Logging:  LoggingConfig{Level: "info", Dir: ""},
		Env:      "development",
	}
}

// Load resolves configuration from the environment. STORAGE_PATH, DB_PATH,
// JWT_SECRET, PORT, LOG_LEVEL, LOG_DIR, and NODE_ENV override the defaults
// when set. If FIRMA_TRANSPORTS_CONFIG names a readable TOML file, its
// contents populate cfg.Transports; a missing file is not an error, the
// zero-value TransportsConfig (every transport disabled/defaulted) is used.
func Load() (*Config, error) {
	cfg := defaults()

	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTP.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Env = v
	}

	if path := os.Getenv("FIRMA_TRANSPORTS_CONFIG"); path != "" {
		if err := loadTransportsFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadTransportsFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading transports file %q: %w", path, err)
	}
	var tc TransportsConfig
	if err := toml.Unmarshal(data, &tc); err != nil {
		return fmt.Errorf("config: parsing transports file %q: %w", path, err)
	}
	cfg.Transports = tc
	return nil
}

func validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("config: storage path is required")
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("config: database path is required")
	}
	if _, err := strconv.Atoi(cfg.HTTP.Port); err != nil {
		return fmt.Errorf("config: PORT must be numeric, got %q", cfg.HTTP.Port)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: LOG_LEVEL must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	return nil
}
