package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Login.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Login.PollInterval)
	assert.Equal(t, []string{"#menuPrincipal", "#lbNombreCliente"}, cfg.Login.Markers)
	assert.Equal(t, time.Hour, cfg.Vault.TTL)
	assert.Equal(t, 2, cfg.Download.MaxRetries)
	assert.Equal(t, int64(1000), cfg.Download.MinBytes)
	assert.InDelta(t, 0.95, cfg.Download.MinSuccessRate, 1e-9)
	assert.Equal(t, 500, cfg.Download.MaxPages)
	assert.Zero(t, cfg.Extraction.AmountTolerance)
	assert.InDelta(t, 0.001, cfg.Extraction.RatioTolerance, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.Job.Budget)
	assert.Equal(t, "scraper-viewer:latest", cfg.Viewer.Image)
	assert.Equal(t, 6080, cfg.Viewer.NoVNCPort)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
login:
  timeout: 5m
download:
  min_success_rate: 0.9
  min_bytes: 2048
  max_pages: 40
storage:
  backend: minio
  minio:
    endpoint: minio:9000
    bucket: jobs
`), 0o600))

	t.Setenv("HARVESTER_JOB_BUDGET", "45m")
	t.Setenv("HARVESTER_MINIO_BUCKET", "override")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Login.Timeout)
	assert.InDelta(t, 0.9, cfg.Download.MinSuccessRate, 1e-9)
	assert.Equal(t, int64(2048), cfg.Download.MinBytes)
	assert.Equal(t, 40, cfg.Download.MaxPages)
	assert.Equal(t, 45*time.Minute, cfg.Job.Budget)
	assert.Equal(t, "override", cfg.Storage.Minio.Bucket)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"rate above one", func(c *Config) { c.Download.MinSuccessRate = 1.5 }, "min_success_rate"},
		{"minio without bucket", func(c *Config) { c.Storage.Backend = "minio" }, "storage.minio"},
		{"postgres without url", func(c *Config) { c.Job.Store = "postgres" }, "database.url"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "unknown queue backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("HARVESTER_LOGIN_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HARVESTER_LOGIN_TIMEOUT")
}
