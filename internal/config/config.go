package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "intake"
	DefaultPGSSLMode         = "disable"
	DefaultLongPollTimeout   = 30
	DefaultPollInterval      = "5s"
	DefaultSettleInterval    = "1s"
	DefaultUpdateLimit       = 100
	DefaultSendRatePerSecond = 25
	DefaultRequestTimeout    = "45s"
	DefaultFileMaxBytes      = 20 * 1024 * 1024
	DefaultReconcileSchedule = "@every 1m"
	DefaultShutdownTimeout   = "10s"
	DefaultTokenTTL          = "720h"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Telegram TelegramConfig `toml:"telegram"`
	Files    FilesConfig    `toml:"files"`
	Sessions SessionsConfig `toml:"sessions"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr            string `toml:"addr"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// AuthConfig guards the admin API. An empty JWTSecret disables auth.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	TokenTTL  string `toml:"token_ttl"`
}

// TokenTTLDuration is the lifetime of tokens minted by the token command.
func (c AuthConfig) TokenTTLDuration() time.Duration {
	return parseDuration(c.TokenTTL, DefaultTokenTTL)
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns"`
	// AutoMigrate applies pending migrations when serve starts.
	AutoMigrate bool `toml:"auto_migrate"`
}

type TelegramConfig struct {
	APIEndpoint            string  `toml:"api_endpoint"`
	FileEndpoint           string  `toml:"file_endpoint"`
	LongPollTimeoutSeconds int     `toml:"long_poll_timeout_seconds"`
	PollInterval           string  `toml:"poll_interval"`
	SettleInterval         string  `toml:"settle_interval"`
	UpdateLimit            int     `toml:"update_limit"`
	SendRatePerSecond      float64 `toml:"send_rate_per_second"`
	RequestTimeout         string  `toml:"request_timeout"`
}

// PollIntervalDuration is the wait between two update fetches.
func (c TelegramConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, DefaultPollInterval)
}

// SettleIntervalDuration is the wait between the drain fetch and the first poll.
func (c TelegramConfig) SettleIntervalDuration() time.Duration {
	return parseDuration(c.SettleInterval, DefaultSettleInterval)
}

// RequestTimeoutDuration bounds a single Bot API call. It must exceed the
// long-poll timeout.
func (c TelegramConfig) RequestTimeoutDuration() time.Duration {
	d := parseDuration(c.RequestTimeout, DefaultRequestTimeout)
	minimum := time.Duration(c.LongPollTimeoutSeconds+10) * time.Second
	if d < minimum {
		return minimum
	}
	return d
}

type RelayConfig struct {
	Name     string `toml:"name"`
	Template string `toml:"template"`
}

type FilesConfig struct {
	Relays   []RelayConfig `toml:"relays"`
	MaxBytes int64         `toml:"max_bytes"`
}

type SessionsConfig struct {
	Scope             string `toml:"scope"`
	SeedFile          string `toml:"seed_file"`
	ReconcileSchedule string `toml:"reconcile_schedule"`
}

// ShutdownTimeoutDuration bounds graceful HTTP shutdown.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(c.ShutdownTimeout, DefaultShutdownTimeout)
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// Validate reports settings that would make the service misbehave.
func (c Config) Validate() error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"telegram.poll_interval", c.Telegram.PollInterval},
		{"telegram.settle_interval", c.Telegram.SettleInterval},
		{"telegram.request_timeout", c.Telegram.RequestTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"auth.token_ttl", c.Auth.TokenTTL},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if c.Telegram.LongPollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.long_poll_timeout_seconds must not be negative")
	}
	if c.Telegram.UpdateLimit < 1 || c.Telegram.UpdateLimit > 100 {
		return fmt.Errorf("telegram.update_limit must be between 1 and 100")
	}
	for i, relay := range c.Files.Relays {
		if !strings.Contains(relay.Template, "{url}") {
			return fmt.Errorf("files.relays[%d]: template must contain {url}", i)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:            DefaultHTTPAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Auth: AuthConfig{
			TokenTTL: DefaultTokenTTL,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Telegram: TelegramConfig{
			LongPollTimeoutSeconds: DefaultLongPollTimeout,
			PollInterval:           DefaultPollInterval,
			SettleInterval:         DefaultSettleInterval,
			UpdateLimit:            DefaultUpdateLimit,
			SendRatePerSecond:      DefaultSendRatePerSecond,
			RequestTimeout:         DefaultRequestTimeout,
		},
		Files: FilesConfig{
			MaxBytes: DefaultFileMaxBytes,
		},
		Sessions: SessionsConfig{
			ReconcileSchedule: DefaultReconcileSchedule,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}
