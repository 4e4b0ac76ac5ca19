package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskforge.yaml")
	writeFile(t, path, `
store:
  backend: memory
scheduler:
  workers: 8
  default_timeout: 45s
dispatch:
  exclusive_claim: true
monitor:
  heartbeat_timeout: 2m
agents:
  - id: math-1
    type: math
    capabilities: [calculate]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DefaultTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.PollInterval, "unset keys keep defaults")
	assert.True(t, cfg.Dispatch.ExclusiveClaim)
	assert.Equal(t, 2*time.Minute, cfg.Monitor.HeartbeatTimeout)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, AgentConfig{ID: "math-1", Type: "math", Capabilities: []string{"calculate"}}, cfg.Agents[0])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKFORGE_SCHEDULER_WORKERS", "12")
	t.Setenv("TASKFORGE_MONITOR_INTERVAL", "5s")
	t.Setenv("TASKFORGE_DISPATCH_EXCLUSIVE_CLAIM", "true")
	t.Setenv("TASKFORGE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.True(t, cfg.Dispatch.ExclusiveClaim)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("TASKFORGE_SCHEDULER_POLL_INTERVAL", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASKFORGE_SCHEDULER_POLL_INTERVAL")
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "scheduler: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"nats without url", func(c *Config) { c.Store.Backend = BackendNATS; c.Store.NATSURL = "" }, "store.nats_url"},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor.interval"},
		{"no retention", func(c *Config) { c.Monitor.RetentionDays = 0 }, "monitor.retention_days"},
		{"agent without id", func(c *Config) { c.Agents = []AgentConfig{{Type: "x"}} }, "agents[0].id"},
		{"duplicate agent", func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}, {ID: "a"}} }, "duplicated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskforge.yaml")
	writeFile(t, path, "scheduler:\n  workers: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(c *Config) { changes <- c })
	}()

	// Rewrite until the watcher has picked the directory up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("scheduler:\n  workers: 6\n"), 0o644)
		select {
		case c := <-changes:
			return c.Scheduler.Workers == 6
		case <-time.After(time.Second):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
