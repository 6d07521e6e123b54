package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full service configuration, loaded from a yaml file.
// Durations are strings ("500ms", "2s", "24h") parsed via ParseDurationField.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Storage     StorageConfig     `yaml:"storage"`
	WhatsApp    WhatsAppConfig    `yaml:"whatsapp"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Logging     LoggingConfig     `yaml:"logging"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

type WhatsAppConfig struct {
	StorePath     string `yaml:"store_path"`
	CountryPrefix string `yaml:"country_prefix"`
	LogLevel      string `yaml:"log_level"`
}

type DispatchConfig struct {
	SendTimeout     string `yaml:"send_timeout"`
	PausePoll       string `yaml:"pause_poll"`
	Placeholder     string `yaml:"placeholder"`
	RegisteredCheck bool   `yaml:"registered_check"`
}

type LoggingConfig struct {
	Level   string          `yaml:"level"`
	Console bool            `yaml:"console"`
	File    LogFileConfig   `yaml:"file"`
	Stream  LogStreamConfig `yaml:"stream"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogStreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MinLevel   string `yaml:"min_level"`
	RatePerSec int    `yaml:"rate_per_sec"`
}

type MaintenanceConfig struct {
	// Schedule is a cron expression; empty disables maintenance.
	Schedule string `yaml:"schedule"`
	// AuditRetention controls how far back audit rows are kept.
	AuditRetention string `yaml:"audit_retention"`
}

// Default returns the baseline configuration. Loaded files override it.
func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Storage: StorageConfig{Path: "./data/disparador.db", BusyTimeout: "5s"},
		WhatsApp: WhatsAppConfig{
			StorePath:     "./data/credentials.db",
			CountryPrefix: "55",
			LogLevel:      "WARN",
		},
		Dispatch: DispatchConfig{
			SendTimeout:     "30s",
			PausePoll:       "500ms",
			Placeholder:     "nome",
			RegisteredCheck: true,
		},
		Logging: LoggingConfig{
			Level:   "INFO",
			Console: true,
			Stream:  LogStreamConfig{Enabled: true, MinLevel: "INFO", RatePerSec: 10},
		},
		Maintenance: MaintenanceConfig{
			Schedule:       "0 4 * * *",
			AuditRetention: "720h",
		},
	}
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.WhatsApp.StorePath) == "" {
		return errors.New("whatsapp.store_path is required")
	}
	if strings.TrimSpace(c.Dispatch.Placeholder) == "" {
		return errors.New("dispatch.placeholder is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"dispatch.pause_poll", c.Dispatch.PausePoll},
		{"maintenance.audit_retention", c.Maintenance.AuditRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
