package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(configPathEnvKey, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskcore.toml")
	content := `
server_port = "9090"
db_path = "/tmp/tasks.db"

[redis]
addr = "redis:6379"
db = 2

[worker]
count = 8
max_attempts = 5
retry_backoff = "250ms"
task_timeout = "2m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("LEASE_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "/tmp/tasks.db", cfg.DBPath)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.RetryBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Worker.TaskTimeout)
	assert.Equal(t, 90*time.Second, cfg.Worker.LeaseTimeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv(configPathEnvKey, filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load("")
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worker.Count = 0
	cfg.Worker.HeartbeatInterval = 2 * time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.count")
	assert.Contains(t, err.Error(), "heartbeat_interval")
}
