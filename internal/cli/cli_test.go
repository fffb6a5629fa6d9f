package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/conduit/internal/hub"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
gateway:
  addr: ":9999"
  max_active_per_owner: 5
  default_max_retries: 2

store:
  path: "test/jobs.db"

queue:
  path: "test/queue.db"
  lease: 45s

pipeline:
  workers: 8
  poll_interval: 50ms
  stage_timeout: 90s
  retry_backoff: 3s
  terminal_ttl: 12h
  purge_interval: 30s

hub:
  max_connections: 20
  min_connections: 2
  heartbeat_timeout: 10s
  load_balancing_strategy: "round_robin"
  endpoints:
    - "ws://peer-a/ws"
    - "ws://peer-b/ws"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Gateway.Addr)
	assert.Equal(t, 5, cfg.Gateway.MaxActivePerOwner)
	assert.Equal(t, "test/jobs.db", cfg.Store.Path)
	assert.Equal(t, 45*time.Second, cfg.Queue.Lease.Std())
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.PollInterval.Std())
	assert.Equal(t, 12*time.Hour, cfg.Pipeline.TerminalTTL.Std())

	h := cfg.Hub.toHub()
	assert.Equal(t, 20, h.MaxConnections)
	assert.Equal(t, 10*time.Second, h.HeartbeatTimeout)
	assert.Equal(t, hub.StrategyRoundRobin, h.Strategy)
	assert.Equal(t, []string{"ws://peer-a/ws", "ws://peer-b/ws"}, h.Endpoints)
}

func TestLoadConfigDefaultsPaths(t *testing.T) {
	path := writeConfig(t, `gateway: {addr: ":8080"}`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "data/jobs.db", cfg.Store.Path)
	assert.Equal(t, "data/queue.db", cfg.Queue.Path)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
queue:
  lease: "very long"
`)

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBuildCLI(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "conduit", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["submit"])
	assert.True(t, names["status"])
}
