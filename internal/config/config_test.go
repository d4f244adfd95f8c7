// ABOUTME: Tests for config loading, env expansion, and duration parsing.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultWSPath, cfg.Server.WSPath)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, DefaultActionTimeout, cfg.Relay.ActionTimeout)
	assert.Equal(t, DefaultMaxExecutionTime, cfg.Relay.MaxExecutionTime)
	assert.Equal(t, DefaultMaxHeartbeatMisses, cfg.Relay.MaxHeartbeatMisses)
	assert.Equal(t, DefaultMaxQueueDepth, cfg.Relay.MaxQueueDepth)
	assert.Equal(t, DefaultMaxProtocolViolations, cfg.Relay.MaxProtocolViolations)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "0.0.0.0:9000"
  ws_path: "/relay"
relay:
  heartbeat_interval: "5s"
  action_timeout: "30s"
  max_execution_time: "10m"
  max_heartbeat_misses: 2
  max_queue_depth: 8
  max_protocol_violations: 3
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/relay", cfg.Server.WSPath)
	assert.Equal(t, 5*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Relay.ActionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Relay.MaxExecutionTime)
	assert.Equal(t, 2, cfg.Relay.MaxHeartbeatMisses)
	assert.Equal(t, 8, cfg.Relay.MaxQueueDepth)
	assert.Equal(t, 3, cfg.Relay.MaxProtocolViolations)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/prom", cfg.Metrics.Path)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "localhost:8200"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8200", cfg.Server.Addr)
	assert.Equal(t, DefaultWSPath, cfg.Server.WSPath)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, DefaultMaxQueueDepth, cfg.Relay.MaxQueueDepth)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_ADDR", "10.0.0.5:8123")

	path := writeConfig(t, `
server:
  addr: "${RELAY_TEST_ADDR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8123", cfg.Server.Addr)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
relay:
  heartbeat_interval: "soonish"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_NegativeQueueDepth(t *testing.T) {
	cfg := Default()
	cfg.Relay.MaxQueueDepth = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_queue_depth")
}
