package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLBaseline(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "config.yaml")

	content := `
listen_port: 9090
frontend_origin: "https://app.example.com"
database_url: "postgres://db.internal:5432/emailsched"
worker_concurrency: 25
global_hourly_limit: 50000
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(content), 0644))

	cfg, err := Load(yamlPath, "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, "https://app.example.com", cfg.FrontendOrigin)
	assert.Equal(t, "postgres://db.internal:5432/emailsched", cfg.DatabaseURL)
	assert.Equal(t, 25, cfg.WorkerConcurrency)
	assert.Equal(t, 50000, cfg.GlobalHourlyLimit)
	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 587, cfg.DefaultTransportPort)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("listen_port: 9090\n"), 0644))

	t.Setenv("LISTEN_PORT", "7070")

	cfg, err := Load(yamlPath, "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.ListenPort)
}

func TestLoad_MissingYAMLIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"), "")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ListenPort)
}

func TestLoadFromEnv_AppliesOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cr3t")
	t.Setenv("JWT_EXPIRY_SECONDS", "3600")
	t.Setenv("DEFAULT_TRANSPORT_SECURE", "false")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "s3cr3t", cfg.JWTSecret)
	assert.Equal(t, time.Hour, cfg.JWTExpiry)
	assert.False(t, cfg.DefaultTransportSecure)
}

func TestLoadFromEnv_RejectsInvalidInt(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	_, err := LoadFromEnv()
	assert.Error(t, err)
}
