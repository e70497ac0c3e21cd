package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/antigravity-gateway/internal/config"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANTIGRAVITY_ACCESS_TOKEN", "ANTIGRAVITY_REFRESH_TOKEN", "ANTIGRAVITY_API_URL",
		"GATEWAY_PORT", "RATE_LIMIT_PERSISTENCE", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestEmbeddedConfig_Loads(t *testing.T) {
	clearGatewayEnv(t)

	data, err := getEmbeddedConfig(defaultConfigName)
	require.NoError(t, err)

	cfg, err := config.LoadFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Upstream.MaxAttempts)
	assert.Equal(t, config.PersistenceNone, cfg.RateLimit.Persistence)
	assert.True(t, cfg.Auth.Open())
	assert.Empty(t, cfg.Accounts.Static)
}

func TestEmbeddedConfig_EnvAccount(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ANTIGRAVITY_ACCESS_TOKEN", "ya29.test")

	data, err := getEmbeddedConfig(defaultConfigName + ".yaml")
	require.NoError(t, err)
	cfg, err := config.LoadFromBytes(data)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts.Static, 1)
	assert.Equal(t, "env", cfg.Accounts.Static[0].ID)
}

func TestListEmbeddedConfigs(t *testing.T) {
	names, err := listEmbeddedConfigs()
	require.NoError(t, err)
	assert.Contains(t, names, defaultConfigName)

	_, err = getEmbeddedConfig("missing")
	assert.Error(t, err)
}

func TestResolveServeConfig_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1\n"), 0o600))

	data, source, err := resolveServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, source)
	assert.Contains(t, string(data), "port: 1")

	_, _, err = resolveServeConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoggerConfig(t *testing.T) {
	lc := loggerConfig(config.MonitoringConfig{LogLevel: "warn", LogFormat: "json", LogOutput: "stderr"}, true)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "stderr", lc.Output)

	lc = loggerConfig(config.MonitoringConfig{LogOutput: "/tmp/gw.log"}, false)
	assert.Equal(t, "json", lc.Format, "file output never uses the console writer")
}
