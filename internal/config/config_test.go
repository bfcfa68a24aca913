// ABOUTME: Tests for configuration loading.
// ABOUTME: Covers defaults, env expansion, duration parsing, and validation.

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
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  dev_mode: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8787", cfg.Server.HTTPAddr)
	assert.Equal(t, "gpt-4o-mini", cfg.GenAI.Model)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, time.Hour, cfg.Sessions.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Gateway.HeartbeatInterval)
}

func TestLoad_ParsesDurations(t *testing.T) {
	path := writeConfig(t, `
gateway:
  dev_mode: true
  heartbeat_interval: 5s
sessions:
  ttl: 1h
  sweep_interval: 10m
genai:
  timeout: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.GenAI.Timeout)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
sessions:
  ttl: "one day"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.ttl")
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_CANVAS_BASE_URL", "http://upstream.test/v1")
	path := writeConfig(t, `
gateway:
  dev_mode: true
genai:
  base_url: ${TEST_CANVAS_BASE_URL}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://upstream.test/v1", cfg.GenAI.BaseURL)
}

func TestValidate_RequiresOriginsOutsideDevMode(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: localhost:9000
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_origins")
}

func TestValidate_OriginsSatisfy(t *testing.T) {
	path := writeConfig(t, `
gateway:
  allowed_origins:
    - https://canvas.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Gateway.DevMode)
	assert.Len(t, cfg.Gateway.AllowedOrigins, 1)
}

func TestAPIKey(t *testing.T) {
	t.Setenv("TEST_CANVAS_KEY", "sk-test")
	cfg := Default()
	cfg.GenAI.APIKeyEnv = "TEST_CANVAS_KEY"
	assert.Equal(t, "sk-test", cfg.APIKey())

	cfg.GenAI.APIKeyEnv = ""
	assert.Empty(t, cfg.APIKey())
}
