// Package config holds the settings of every httpsniff command. A YAML file
// is read over the defaults; command line flags override both.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"httpsniff/inspector"
)

var (
	ErrNoListen       = errors.New("config: listen address is required")
	ErrInvalidWorkers = errors.New("config: workers must be at least 1")
	ErrInvalidTimeout = errors.New("config: timeouts must not be negative")
	ErrInvalidLevel   = errors.New("config: unknown log level")
	ErrInvalidQueues  = errors.New("config: nfqueue needs at least one queue")
)

// Duration reads as a Go duration string ("15s", "250ms") or as a number of
// seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(value * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("config: duration %s: want a string or a number", b)
	}
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	// Listen is the address the serve command accepts on.
	Listen string `json:"listen"`
	// Upstream is the fixed relay target. Empty relays to the original
	// destination, which needs Transparent.
	Upstream    string `json:"upstream,omitempty"`
	Transparent bool   `json:"transparent"`
	Workers     int    `json:"workers"`

	ListenerFiltersTimeout           Duration `json:"listener_filters_timeout"`
	ContinueOnListenerFiltersTimeout bool     `json:"continue_on_listener_filters_timeout"`

	MaxInspectSize int  `json:"max_inspect_size"`
	TLSInspector   bool `json:"tls_inspector"`

	MetricsListen string `json:"metrics_listen,omitempty"`
	StatsPrefix   string `json:"stats_prefix"`
	LogLevel      string `json:"log_level"`

	NFQueue NFQueue `json:"nfqueue"`
	Probe   Probe   `json:"probe"`
}

type NFQueue struct {
	First       uint16   `json:"first"`
	Queues      int      `json:"queues"`
	MaxPackets  uint32   `json:"max_packets"`
	IdleTimeout Duration `json:"idle_timeout"`
}

type Probe struct {
	Listen    string `json:"listen"`
	Multicore bool   `json:"multicore"`
}

func Default() *Config {
	return &Config{
		Listen:                 ":3129",
		Transparent:            true,
		Workers:                4,
		ListenerFiltersTimeout: Duration(15 * time.Second),
		MaxInspectSize:         inspector.MaxInspectSize,
		TLSInspector:           true,
		StatsPrefix:            "httpsniff",
		LogLevel:               "info",
		NFQueue: NFQueue{
			Queues:      4,
			MaxPackets:  100,
			IdleTimeout: Duration(30 * time.Second),
		},
		Probe: Probe{
			Listen: "tcp://:3130",
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, ErrNoListen)
	}
	if c.Workers < 1 {
		errs = append(errs, ErrInvalidWorkers)
	}
	if c.ListenerFiltersTimeout < 0 || c.NFQueue.IdleTimeout < 0 {
		errs = append(errs, ErrInvalidTimeout)
	}
	if c.MaxInspectSize < 1 || c.MaxInspectSize > inspector.MaxInspectSize {
		errs = append(errs, fmt.Errorf("max_inspect_size %d: %w", c.MaxInspectSize, inspector.ErrInvalidSize))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.NFQueue.Queues < 1 {
		errs = append(errs, ErrInvalidQueues)
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are valid but likely to hold resources longer
// than intended.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.ListenerFiltersTimeout == 0 {
		warnings = append(warnings, "listener_filters_timeout is 0: a client that stops sending before its first line completes keeps its inspection until it closes")
	}
	return warnings
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, c.LogLevel)
	}
	return level, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
