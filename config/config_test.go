package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailprobe/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "*", cfg.CORSOrigin)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.ProxiesFile)
	assert.Empty(t, cfg.HeloHost)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailprobe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "127.0.0.1:9090"
cors_origin = "https://app.example.com"
log_level = "debug"
proxies_file = "/etc/mailprobe/proxies.txt"
helo_host = "verifier.example.com"
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, "https://app.example.com", cfg.CORSOrigin)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/etc/mailprobe/proxies.txt", cfg.ProxiesFile)
	assert.Equal(t, "verifier.example.com", cfg.HeloHost)
}

func TestLoadFile_PartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailprobe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen = ":9999"`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "*", cfg.CORSOrigin)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailprobe.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = [broken"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailprobe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen = ":9090"`), 0o600))

	t.Setenv("MAILPROBE_LISTEN", ":7070")
	t.Setenv("MAILPROBE_CORS_ORIGIN", "https://other.example.com")
	t.Setenv("MAILPROBE_LOG_LEVEL", "trace")
	t.Setenv("MAILPROBE_PROXIES", "/tmp/proxies.txt")
	t.Setenv("MAILPROBE_HELO_HOST", "mail.example.com")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen, "environment wins over the file")
	assert.Equal(t, "https://other.example.com", cfg.CORSOrigin)
	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, "/tmp/proxies.txt", cfg.ProxiesFile)
	assert.Equal(t, "mail.example.com", cfg.HeloHost)
}
