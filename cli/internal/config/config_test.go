package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.CurrentProfile)
	assert.Empty(t, cfg.Profiles)

	p, err := cfg.GetProfile("")
	require.NoError(t, err)
	assert.Equal(t, LocalProfile(), p)
}

func TestLoad_WithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `current_profile: staging
profiles:
  staging:
    nats_url: nats://nats.staging:4222
    database_url: postgres://u:p@db.staging/leakhawk
    services:
      webhook: http://webhook.staging:8081
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	p, err := cfg.GetProfile("")
	require.NoError(t, err)
	assert.Equal(t, "nats://nats.staging:4222", p.NATSURL)
	assert.Equal(t, "postgres://u:p@db.staging/leakhawk", p.DatabaseURL)
	assert.Equal(t, "http://webhook.staging:8081", p.Services["webhook"])
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: [unclosed"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSetProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.SetProfile("prod", &Profile{NATSURL: "nats://prod:4222"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", reloaded.CurrentProfile)
	assert.Equal(t, []string{"prod"}, reloaded.Names())
}

func TestUseAndRemove(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.SetProfile("a", &Profile{}))
	require.NoError(t, cfg.SetProfile("b", &Profile{}))

	require.NoError(t, cfg.Use("a"))
	assert.Equal(t, "a", cfg.CurrentProfile)
	assert.Error(t, cfg.Use("missing"))

	require.NoError(t, cfg.RemoveProfile("a"))
	assert.Equal(t, "", cfg.CurrentProfile)
	assert.Error(t, cfg.RemoveProfile("a"))

	_, err = cfg.GetProfile("missing")
	assert.Error(t, err)
}
