package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapvault/snapvault/internal/capture"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "memory", cfg.DB.Backend)
	require.Equal(t, 60*time.Second, cfg.RenderTimeout())
	require.Equal(t, 120*time.Second, cfg.LeaseTTL())
	require.Equal(t, 10*time.Minute, cfg.IdempotencyWindow())
	require.Equal(t, 90*24*time.Hour, cfg.RetentionPeriods()[capture.RetentionStandard])
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
render:
  timeout_seconds: 30
scheduler:
  lease_ttl_seconds: 45
storage:
  backend: gcs
  gcs_bucket: snapvault-artifacts
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "snapvault-artifacts", cfg.Storage.GCSBucket)
	require.Equal(t, 45*time.Second, cfg.LeaseTTL())
}

func TestLeaseMustCoverRenderDeadline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
render:
  timeout_seconds: 60
scheduler:
  lease_ttl_seconds: 61
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "lease_ttl_seconds")
}

func TestValidateBackends(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	bad := base
	bad.Storage.Backend = "s3"
	require.Error(t, bad.Validate())

	bad = base
	bad.Storage.Backend = "gcs"
	require.Error(t, bad.Validate(), "gcs backend requires a bucket")

	bad = base
	bad.DB.Backend = "postgres"
	require.Error(t, bad.Validate(), "postgres backend requires a dsn")

	bad = base
	bad.PubSub.Enabled = true
	require.Error(t, bad.Validate())

	bad = base
	bad.Auth.Enabled = true
	require.Error(t, bad.Validate())
}
