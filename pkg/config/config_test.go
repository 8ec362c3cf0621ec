package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHostConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, "network:\n  host_port: 9000\n")

	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Network.HostPort)
	assert.Equal(t, "0.0.0.0", cfg.Network.HostBindIP)
	assert.Equal(t, 5, cfg.Timing.HeartbeatIntervalSeconds)
	assert.Equal(t, 6, cfg.Timing.HeartbeatTimeoutFactor)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
}

func TestLoadWorkerConfig_Overrides(t *testing.T) {
	path := writeTempConfig(t, `
paths:
  shared_dir: /mnt/shared
  local_temp_dir: /var/tmp/hakuriver
logging:
  log_level: debug
`)

	cfg, err := LoadWorkerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/shared", cfg.Paths.SharedDir)
	assert.Equal(t, "/var/tmp/hakuriver", cfg.Paths.LocalTempDir)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "numactl", cfg.Paths.NumactlPath)
}

func TestLoadHostConfig_MissingFile(t *testing.T) {
	_, err := LoadHostConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
