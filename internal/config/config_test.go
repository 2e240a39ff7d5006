package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().API.BaseURL, cfg.API.BaseURL)
	assert.Equal(t, "/broadcasting/auth", cfg.Realtime.AuthPath)
}

func TestDefault_RealtimeSharesAPIListener(t *testing.T) {
	cfg := Default()
	api, err := url.Parse(cfg.API.BaseURL)
	require.NoError(t, err)
	ws, err := url.Parse(cfg.Realtime.WSURL)
	require.NoError(t, err)
	assert.Equal(t, "ws", ws.Scheme)
	assert.Equal(t, api.Host, ws.Host)
	assert.Equal(t, "localhost:8000", ws.Host)
}

func TestLoad_FileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
api:
  base_url: https://api.example.com
  timeout: 5s
realtime:
  ws_url: wss://ws.example.com
  app_key: abc
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "abc", cfg.Realtime.AppKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched sections keep defaults
	assert.Equal(t, "homeswipe.db", cfg.Storage.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOMESWIPE_API_URL", "http://override")
	t.Setenv("HOMESWIPE_RECONNECT_DELAY", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://override", cfg.API.BaseURL)
	assert.Equal(t, 7*time.Second, cfg.Realtime.ReconnectDelay)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("HOMESWIPE_API_TIMEOUT", "soon")
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
