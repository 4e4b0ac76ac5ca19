// Package config defines the taskforge configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/taskforge/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. TASKFORGE_SCHEDULER_WORKERS.
const EnvPrefix = "TASKFORGE"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config is the top-level taskforge configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"agents_registry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Server    ServerConfig    `yaml:"server"`
	Log       logging.Config  `yaml:"log"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// StoreConfig selects the state backend. With the nats backend, records
// live in SQLite at Path and agent channels run on JetStream.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // memory, sqlite, nats
	Path       string `yaml:"path"`
	NATSURL    string `yaml:"nats_url"`
	NATSStream string `yaml:"nats_stream"`
}

// SchedulerConfig controls the local worker pool.
type SchedulerConfig struct {
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DequeueTimeout  time.Duration `yaml:"dequeue_timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// RegistryConfig controls agent liveness.
type RegistryConfig struct {
	LivenessWindow time.Duration `yaml:"liveness_window"`
	RecordTTL      time.Duration `yaml:"record_ttl"`
}

// DispatchConfig controls agent selection.
type DispatchConfig struct {
	// ExclusiveClaim makes selection claim the agent atomically so two
	// concurrent dispatches never pick the same idle agent.
	ExclusiveClaim bool `yaml:"exclusive_claim"`
}

// MonitorConfig controls the reconciliation loop and retention.
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	TaskCeiling      time.Duration `yaml:"task_ceiling"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	RetentionDays    int           `yaml:"retention_days"`
	CleanupSchedule  string        `yaml:"cleanup_schedule"`
	SystemMetrics    bool          `yaml:"system_metrics"`
}

// ServerConfig controls the operations HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. ":9090"; empty disables it
}

// AgentConfig defines one in-process agent.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    BackendSQLite,
			Path:       "./data/taskforge.db",
			NATSURL:    "nats://127.0.0.1:4222",
			NATSStream: "TASKFORGE",
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			PollInterval:    100 * time.Millisecond,
			DefaultTimeout:  300 * time.Second,
			DequeueTimeout:  time.Second,
			MonitorInterval: 30 * time.Second,
		},
		Registry: RegistryConfig{
			LivenessWindow: 300 * time.Second,
			RecordTTL:      3600 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:         30 * time.Second,
			TaskCeiling:      time.Hour,
			HeartbeatTimeout: 10 * time.Minute,
			RetentionDays:    7,
			CleanupSchedule:  "@daily",
			SystemMetrics:    true,
		},
		Server: ServerConfig{
			Addr: ":9090",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Agents: []AgentConfig{
			{ID: "agent-1", Type: "general", Capabilities: []string{"calculate", "echo", "text_process", "sleep"}},
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from TASKFORGE_* variables. Keys map
// to variables by upper-casing and replacing dots with underscores.
func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if !v.IsSet(key) {
			return
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("env %s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err))
			return
		}
		*dst = d
	}

	str("store.backend", &cfg.Store.Backend)
	str("store.path", &cfg.Store.Path)
	str("store.nats_url", &cfg.Store.NATSURL)
	str("store.nats_stream", &cfg.Store.NATSStream)
	num("scheduler.workers", &cfg.Scheduler.Workers)
	dur("scheduler.poll_interval", &cfg.Scheduler.PollInterval)
	dur("scheduler.default_timeout", &cfg.Scheduler.DefaultTimeout)
	dur("scheduler.dequeue_timeout", &cfg.Scheduler.DequeueTimeout)
	dur("scheduler.monitor_interval", &cfg.Scheduler.MonitorInterval)
	dur("agents_registry.liveness_window", &cfg.Registry.LivenessWindow)
	dur("agents_registry.record_ttl", &cfg.Registry.RecordTTL)
	flag("dispatch.exclusive_claim", &cfg.Dispatch.ExclusiveClaim)
	dur("monitor.interval", &cfg.Monitor.Interval)
	dur("monitor.task_ceiling", &cfg.Monitor.TaskCeiling)
	dur("monitor.heartbeat_timeout", &cfg.Monitor.HeartbeatTimeout)
	num("monitor.retention_days", &cfg.Monitor.RetentionDays)
	str("monitor.cleanup_schedule", &cfg.Monitor.CleanupSchedule)
	flag("monitor.system_metrics", &cfg.Monitor.SystemMetrics)
	str("server.addr", &cfg.Server.Addr)
	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)
	str("log.path", &cfg.Log.Path)
	return errors.Join(errs...)
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendNATS:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
		if c.Store.Backend == BackendNATS && c.Store.NATSURL == "" {
			errs = append(errs, errors.New("store.nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, sqlite, nats", c.Store.Backend))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"scheduler.dequeue_timeout", c.Scheduler.DequeueTimeout},
		{"scheduler.monitor_interval", c.Scheduler.MonitorInterval},
		{"agents_registry.liveness_window", c.Registry.LivenessWindow},
		{"monitor.interval", c.Monitor.Interval},
		{"monitor.task_ceiling", c.Monitor.TaskCeiling},
		{"monitor.heartbeat_timeout", c.Monitor.HeartbeatTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.val))
		}
	}
	if c.Monitor.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("monitor.retention_days must be at least 1, got %d", c.Monitor.RetentionDays))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}
