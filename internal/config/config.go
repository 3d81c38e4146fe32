// Package config loads and validates the stashhog-core TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of the stashhog-core configuration file.
type Config struct {
	General  General           `toml:"general"`
	API      API               `toml:"api"`
	Stash    Stash             `toml:"stash"`
	Sync     Sync              `toml:"sync"`
	Daemons  map[string]Daemon `toml:"daemons"`
	Metrics  Metrics           `toml:"metrics"`
	Watch    Watch             `toml:"watch"`
}

// General controls process-wide behavior: state storage, logging, and the
// task runner's worker pool.
type General struct {
	LogLevel               string   `toml:"log_level"`
	Dev                    bool     `toml:"dev"`
	StateDB                string   `toml:"state_db"`
	LockFile               string   `toml:"lock_file"`
	TaskRunnerWorkers      int      `toml:"task_runner_workers"`
	JobCleanupDays         int      `toml:"job_cleanup_days"`
	ReclaimStaleOnStartup  bool     `toml:"reclaim_stale_on_startup"`
	EventBusMailboxSize    int      `toml:"event_bus_mailbox_size"`
}

// API controls the ambient status/metrics HTTP surface (not business routing,
// which is explicitly out of scope for this core).
type API struct {
	Bind string `toml:"bind"`
}

// Stash configures the upstream GraphQL client.
type Stash struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	Timezone       string   `toml:"timezone"`
	RequestTimeout Duration `toml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	RetryMaxDelay  Duration `toml:"retry_max_delay"`
	RetryFactor    float64  `toml:"retry_factor"`
	PollInterval   Duration `toml:"poll_interval"`
}

// Sync controls the AutoStashSync daemon's cadence.
type Sync struct {
	JobIntervalSeconds int `toml:"job_interval_seconds"`
}

// Daemon is the static seed configuration for one named daemon row.
type Daemon struct {
	Type          string            `toml:"type"`
	Enabled       bool              `toml:"enabled"`
	AutoStart     bool              `toml:"auto_start"`
	Configuration map[string]string `toml:"configuration"`
}

// Metrics controls Prometheus export.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Watch controls the optional fsnotify-driven config reload path.
type Watch struct {
	Enabled bool `toml:"enabled"`
}

// Clone returns a deep-enough copy of cfg so that a reader holding a Get()
// snapshot is never aliased with a future Set/Reload.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Daemons = make(map[string]Daemon, len(cfg.Daemons))
	for name, d := range cfg.Daemons {
		nd := d
		nd.Configuration = make(map[string]string, len(d.Configuration))
		for k, v := range d.Configuration {
			nd.Configuration[k] = v
		}
		out.Daemons[name] = nd
	}
	return &out
}

func defaults() *Config {
	return &Config{
		General: General{
			LogLevel:              "info",
			StateDB:               "stashhog.db",
			LockFile:              "/tmp/stashhog-core.lock",
			TaskRunnerWorkers:     8,
			JobCleanupDays:        30,
			ReclaimStaleOnStartup: true,
			EventBusMailboxSize:   32,
		},
		API: API{Bind: "127.0.0.1:9442"},
		Stash: Stash{
			Timezone:       "America/Los_Angeles",
			RequestTimeout: Duration{30 * time.Second},
			MaxRetries:     5,
			RetryBaseDelay: Duration{1 * time.Second},
			RetryMaxDelay:  Duration{30 * time.Second},
			RetryFactor:    2.0,
			PollInterval:   Duration{2 * time.Second},
		},
		Sync:    Sync{JobIntervalSeconds: 300},
		Daemons: map[string]Daemon{},
		Metrics: Metrics{Enabled: true},
		Watch:   Watch{Enabled: false},
	}
}

// Load reads and validates the config file at path, filling in defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload is an alias for Load kept separate so call sites read intent clearly.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func (cfg *Config) validate() error {
	if cfg.General.TaskRunnerWorkers <= 0 {
		return fmt.Errorf("config: general.task_runner_workers must be positive")
	}
	if cfg.General.StateDB == "" {
		return fmt.Errorf("config: general.state_db must be set")
	}
	if cfg.Stash.MaxRetries < 0 {
		return fmt.Errorf("config: stash.max_retries must not be negative")
	}
	if cfg.Stash.RetryFactor < 1.0 {
		return fmt.Errorf("config: stash.retry_factor must be >= 1.0")
	}
	return nil
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
