package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// Config is the process configuration, read from the environment
type Config struct {
	// HTTP admin API
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	JWKSURL  string `env:"JWKS_URL"`
	Audience string `env:"JWT_AUDIENCE"`

	// Token broker
	AuthServerURL string `env:"AUTH_SERVER_URL" envDefault:"http://localhost:3000"`
	ServiceToken  string `env:"SERVICE_TOKEN"`

	// Storage and messaging
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/inbox.db"`
	NATSURL      string `env:"NATS_URL"`

	// Credential key: hex in env, or the OS keyring
	EncryptionKey       string `env:"ENCRYPTION_KEY"`
	KeyringDir          string `env:"KEYRING_DIR" envDefault:"./data/keyring"`
	KeyringFilePassword string `env:"KEYRING_FILE_PASSWORD"`

	// Sync
	AccountsFile     string        `env:"ACCOUNTS_FILE" envDefault:"./accounts.yaml"`
	MinSyncInterval  time.Duration `env:"MIN_SYNC_INTERVAL" envDefault:"1m"`
	IMAPDialTimeout  time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	DispatchInterval time.Duration `env:"DISPATCH_INTERVAL" envDefault:"2s"`
	AutoStart        bool          `env:"AUTO_START" envDefault:"true"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// PublishingEnabled is true when a NATS server is configured
func (c *Config) PublishingEnabled() bool {
	return c.NATSURL != ""
}

// Load loads configuration from environment variables, after a .env file if present
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(env.Options{})
}

// Parse reads Config using opts; tests pass an Environment map.
func Parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.EncryptionKey != "" && len(cfg.EncryptionKey) != 64 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters, got %d", len(cfg.EncryptionKey))
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.MinSyncInterval <= 0 {
		return nil, fmt.Errorf("MIN_SYNC_INTERVAL must be positive")
	}

	return cfg, nil
}

// NewLogger builds the process logger: tint for consoles, JSON otherwise.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := ParseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
