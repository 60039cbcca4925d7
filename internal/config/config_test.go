package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  http_port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "reject", cfg.Orchestrator.AdmissionPolicy)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.Equal(t, 4, cfg.Orchestrator.DefaultThreads)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.CancelGracePeriod)
	assert.Equal(t, []int{100, 500, 1000, 5000, 10000}, cfg.Registry.ConcurrencyOptions)
	assert.Equal(t, []string{"30s", "60s", "300s", "600s"}, cfg.Registry.DurationOptions)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTExpiration)
	assert.Equal(t, "surge", cfg.Metrics.Namespace)
}

func TestParse_AdmissionPolicy(t *testing.T) {
	cfg, err := Parse([]byte("orchestrator:\n  admission_policy: QUEUE\n"))
	require.NoError(t, err)
	assert.Equal(t, "queue", cfg.Orchestrator.AdmissionPolicy)

	cfg, err = Parse([]byte("orchestrator:\n  admission_policy: whatever\n"))
	require.NoError(t, err)
	assert.Equal(t, "reject", cfg.Orchestrator.AdmissionPolicy)
}

func TestApplyEnvOverrides_FileWins(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secret, []byte("from-file\n"), 0o600))

	t.Setenv("SURGE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("SURGE_AUTH_JWT_SECRET_FILE", secret)
	t.Setenv("SURGE_STORAGE_DRIVER", "memory")

	cfg, err := Parse([]byte("auth:\n  jwt_secret: from-yaml\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestWatch_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	require.NoError(t, Watch(ctx, path, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
