package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
http:
  addr: ":9090"
dispatch:
  send_timeout: 10s
  placeholder: first_name
logging:
  level: DEBUG
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Dispatch.Placeholder != "first_name" {
		t.Fatalf("placeholder = %s", cfg.Dispatch.Placeholder)
	}
	// Untouched sections keep their defaults.
	if cfg.WhatsApp.CountryPrefix != "55" {
		t.Fatalf("country prefix = %s, want default", cfg.WhatsApp.CountryPrefix)
	}
	if cfg.Dispatch.PausePoll != "500ms" {
		t.Fatalf("pause poll = %s, want default", cfg.Dispatch.PausePoll)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "http:\n  adress: \":8080\"\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "dispatch:\n  send_timeout: fast\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing addr", mutate: func(c *Config) { c.HTTP.Addr = " " }},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }},
		{name: "missing credential path", mutate: func(c *Config) { c.WhatsApp.StorePath = "" }},
		{name: "missing placeholder", mutate: func(c *Config) { c.Dispatch.Placeholder = "" }},
		{name: "negative retention", mutate: func(c *Config) { c.Maintenance.AuditRetention = "-1h" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v; want default", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", 3*time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("got %v, %v; want 250ms", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", time.Second); err == nil {
		t.Fatal("expected error")
	}
}
