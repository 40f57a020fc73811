package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fabric/internal/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp", cfg.Ingest.Network)
	assert.Equal(t, 7100, cfg.Ingest.Port)
	assert.Equal(t, 4096, cfg.Ingest.MaxMessageSize)
	assert.Equal(t, 2*time.Second, cfg.Ingest.WriteTimeout)
	assert.Equal(t, bus.OverflowDropOldest, cfg.Queue.Policy())
	assert.Equal(t, uint32(0x4d440001), cfg.Snapshot.Key)
	assert.False(t, cfg.Feed.Enabled)
	assert.Equal(t, "/events", cfg.Feed.Path)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingest:
  network: unix
  address: /tmp/fabric.sock
  idle_timeout: 30s
  credentials:
    ACC1: secret
queue:
  capacity: 512
  overflow: block
tape:
  enabled: true
  dir: /var/lib/fabric/tape
`), 0o600))

	t.Setenv("FABRIC_QUEUE_CAPACITY", "2048")
	t.Setenv("FABRIC_REDIS_CHANNEL", "md.events")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "unix", cfg.Ingest.Network)
	assert.Equal(t, "/tmp/fabric.sock", cfg.Ingest.Address)
	assert.Equal(t, 30*time.Second, cfg.Ingest.IdleTimeout)
	assert.Equal(t, "secret", cfg.Ingest.Credentials["acc1"])
	assert.Equal(t, 2048, cfg.Queue.Capacity)
	assert.Equal(t, bus.OverflowBlock, cfg.Queue.Policy())
	assert.True(t, cfg.Tape.Enabled)
	assert.Equal(t, "md.events", cfg.Redis.Channel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  overflow: grow\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"network":   func(c *Config) { c.Ingest.Network = "udp" },
		"port":      func(c *Config) { c.Ingest.Port = 70000 },
		"max size":  func(c *Config) { c.Ingest.MaxMessageSize = 1 << 20 },
		"capacity":  func(c *Config) { c.Queue.Capacity = 0 },
		"journal":   func(c *Config) { c.Journal.Enabled = true; c.Journal.Host = "" },
		"redis":     func(c *Config) { c.Redis.Enabled = true; c.Redis.URL = "" },
		"tape":      func(c *Config) { c.Tape.Enabled = true; c.Tape.Dir = "" },
		"snapshot":  func(c *Config) { c.Snapshot.Capacity = -1 },
		"unix":      func(c *Config) { c.Ingest.Network = "unix"; c.Ingest.Address = "" },
		"feed path": func(c *Config) { c.Feed.Enabled = true; c.Feed.Path = "/metrics" },
		"feed addr": func(c *Config) { c.Feed.Enabled = true; c.Metrics.Address = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
