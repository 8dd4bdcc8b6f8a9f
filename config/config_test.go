package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"httpsniff/inspector"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "httpsniff.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ListenerFiltersTimeout.Duration() != 15*time.Second {
		t.Fatalf("timeout = %v", cfg.ListenerFiltersTimeout.Duration())
	}
	if cfg.MaxInspectSize != inspector.MaxInspectSize {
		t.Fatalf("max_inspect_size = %d", cfg.MaxInspectSize)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
listen: 127.0.0.1:8081
upstream: 127.0.0.1:9000
transparent: false
workers: 2
listener_filters_timeout: 250ms
continue_on_listener_filters_timeout: true
max_inspect_size: 1024
log_level: debug
nfqueue:
  first: 10
  idle_timeout: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:8081" || cfg.Upstream != "127.0.0.1:9000" || cfg.Transparent {
		t.Fatalf("listener settings = %+v", cfg)
	}
	if cfg.Workers != 2 || cfg.MaxInspectSize != 1024 || !cfg.ContinueOnListenerFiltersTimeout {
		t.Fatalf("pipeline settings = %+v", cfg)
	}
	if got := cfg.ListenerFiltersTimeout.Duration(); got != 250*time.Millisecond {
		t.Fatalf("listener_filters_timeout = %v", got)
	}
	if got := cfg.NFQueue.IdleTimeout.Duration(); got != 5*time.Second {
		t.Fatalf("nfqueue.idle_timeout = %v", got)
	}
	if cfg.NFQueue.First != 10 || cfg.NFQueue.Queues != 4 {
		t.Fatalf("nfqueue = %+v", cfg.NFQueue)
	}
	if level, _ := cfg.Level(); level != slog.LevelDebug {
		t.Fatalf("level = %v", level)
	}
	// Untouched keys keep their defaults.
	if !cfg.TLSInspector || cfg.StatsPrefix != "httpsniff" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeFile(t, "listen: \":80\"\nlisten_adress: \":81\"\n")); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"no listen", func(c *Config) { c.Listen = "" }, ErrNoListen},
		{"no workers", func(c *Config) { c.Workers = 0 }, ErrInvalidWorkers},
		{"negative timeout", func(c *Config) { c.ListenerFiltersTimeout = Duration(-time.Second) }, ErrInvalidTimeout},
		{"inspect size too large", func(c *Config) { c.MaxInspectSize = inspector.MaxInspectSize + 1 }, inspector.ErrInvalidSize},
		{"inspect size zero", func(c *Config) { c.MaxInspectSize = 0 }, inspector.ErrInvalidSize},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, ErrInvalidLevel},
		{"no queues", func(c *Config) { c.NFQueue.Queues = 0 }, ErrInvalidQueues},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg := Default()
	if warnings := cfg.Warnings(); len(warnings) != 0 {
		t.Fatalf("default config warns: %v", warnings)
	}

	cfg.ListenerFiltersTimeout = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	warnings := cfg.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "listener_filters_timeout") {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ListenerFiltersTimeout = Duration(1500 * time.Millisecond)

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	loaded, err := Load(writeFile(t, string(data)))
	if err != nil {
		t.Fatalf("Load: %v\n%s", err, data)
	}
	if loaded.ListenerFiltersTimeout != cfg.ListenerFiltersTimeout {
		t.Fatalf("timeout = %v, want %v", loaded.ListenerFiltersTimeout.Duration(), cfg.ListenerFiltersTimeout.Duration())
	}
}
