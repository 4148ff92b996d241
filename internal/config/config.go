package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Server     ServerConfig
	Proxy      ProxyConfig
	Permission PermissionConfig
	Storage    StorageConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8900"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// ProxyConfig holds request executor configuration.
type ProxyConfig struct {
	DefaultTimeout    time.Duration `envconfig:"PROXY_TIMEOUT" default:"5m"`
	CorrelationWindow time.Duration `envconfig:"PROXY_CORRELATION_WINDOW" default:"500ms"`
	BinaryChunkBytes  int           `envconfig:"PROXY_BINARY_CHUNK_BYTES" default:"2097152"`
	TextChunkChars    int           `envconfig:"PROXY_TEXT_CHUNK_CHARS" default:"2097152"`
	UserAgent         string        `envconfig:"PROXY_USER_AGENT" default:"scriptgate/1.0"`
}

// PermissionConfig holds permission gate configuration.
type PermissionConfig struct {
	ConfirmTimeout time.Duration `envconfig:"PERMISSION_CONFIRM_TIMEOUT" default:"40s"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:"/var/lib/scriptgate"`
	BlobTTL time.Duration `envconfig:"BLOB_TTL" default:"10m"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-channel message rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8900",
			Host: "0.0.0.0",
		},
		Proxy: ProxyConfig{
			DefaultTimeout:    5 * time.Minute,
			CorrelationWindow: 500 * time.Millisecond,
			BinaryChunkBytes:  2 << 20,
			TextChunkChars:    2 << 20,
			UserAgent:         "scriptgate/1.0",
		},
		Permission: PermissionConfig{
			ConfirmTimeout: 40 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/scriptgate",
			BlobTTL: 10 * time.Minute,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}
