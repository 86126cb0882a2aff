package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Telegram.PollIntervalDuration() != 5*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.Telegram.PollIntervalDuration())
	}
	if cfg.Telegram.UpdateLimit != 100 || cfg.Telegram.LongPollTimeoutSeconds != 30 {
		t.Fatalf("unexpected telegram defaults: %+v", cfg.Telegram)
	}
	if cfg.Sessions.ReconcileSchedule != DefaultReconcileSchedule {
		t.Fatalf("unexpected schedule: %s", cfg.Sessions.ReconcileSchedule)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[log]
level = "debug"
format = "json"

[telegram]
poll_interval = "250ms"
update_limit = 20
long_poll_timeout_seconds = 10
request_timeout = "5s"

[sessions]
scope = "org-1"

[[files.relays]]
name = "edge"
template = "https://relay.example.com/fetch?u={url}"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Telegram.PollIntervalDuration() != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.Telegram.PollIntervalDuration())
	}
	if cfg.Telegram.RequestTimeoutDuration() != 20*time.Second {
		t.Fatalf("request timeout must cover long poll, got %s", cfg.Telegram.RequestTimeoutDuration())
	}
	if cfg.Sessions.Scope != "org-1" || len(cfg.Files.Relays) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Postgres.Host != DefaultPGHost {
		t.Fatalf("defaults should survive partial files, got %q", cfg.Postgres.Host)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad duration", mutate: func(c *Config) { c.Telegram.PollInterval = "soon" }},
		{name: "limit too high", mutate: func(c *Config) { c.Telegram.UpdateLimit = 500 }},
		{name: "relay without placeholder", mutate: func(c *Config) {
			c.Files.Relays = []RelayConfig{{Name: "x", Template: "https://relay.example.com"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Files.Relays = nil
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
