package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTOML(t, `
[[backends]]
addr = "127.0.0.1:9001"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 5, cfg.HealthCheck.CheckIntervalSeconds)
	assert.Equal(t, 1, cfg.Backends[0].Weight)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Gossip.Fanout)
}

func TestLoad_RejectsNoBackends(t *testing.T) {
	path := writeTOML(t, `
[server]
listen_addr = ":8080"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyBackendAddr(t *testing.T) {
	path := writeTOML(t, `
[[backends]]
addr = ""
weight = 1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesTakePrecedence(t *testing.T) {
	path := writeTOML(t, `
[server]
listen_addr = ":9999"

[[backends]]
addr = "127.0.0.1:9001"
`)
	t.Setenv("FLUX_LISTEN_ADDR", ":1234")
	t.Setenv("FLUX_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":1234", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestDurationAccessors(t *testing.T) {
	path := writeTOML(t, `
[[backends]]
addr = "127.0.0.1:9001"

[gossip]
ping_timeout_ms = 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.PingTimeout().Milliseconds())
	assert.Equal(t, int64(500), cfg.IndirectTimeout().Milliseconds())
}

func TestEnvInt_FallsBackOnInvalidOrMissing(t *testing.T) {
	t.Setenv("FLUX_TEST_KNOB", "")
	assert.Equal(t, 42, EnvInt("FLUX_TEST_KNOB", 42))

	t.Setenv("FLUX_TEST_KNOB", "not-a-number")
	assert.Equal(t, 42, EnvInt("FLUX_TEST_KNOB", 42))

	t.Setenv("FLUX_TEST_KNOB", "7")
	assert.Equal(t, 7, EnvInt("FLUX_TEST_KNOB", 42))
}

func TestEnvStr_FallsBackWhenUnset(t *testing.T) {
	t.Setenv("FLUX_TEST_STR", "")
	assert.Equal(t, "fallback", EnvStr("FLUX_TEST_STR", "fallback"))

	t.Setenv("FLUX_TEST_STR", "override")
	assert.Equal(t, "override", EnvStr("FLUX_TEST_STR", "fallback"))
}

func TestEnvDur_FallsBackOnInvalidOrMissing(t *testing.T) {
	t.Setenv("FLUX_TEST_DUR", "")
	assert.Equal(t, 5*time.Second, EnvDur("FLUX_TEST_DUR", 5*time.Second))

	t.Setenv("FLUX_TEST_DUR", "not-a-duration")
	assert.Equal(t, 5*time.Second, EnvDur("FLUX_TEST_DUR", 5*time.Second))

	t.Setenv("FLUX_TEST_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, EnvDur("FLUX_TEST_DUR", 5*time.Second))
}

func TestEnvBool_RecognizesTruthyStrings(t *testing.T) {
	t.Setenv("FLUX_TEST_BOOL", "")
	assert.False(t, EnvBool("FLUX_TEST_BOOL", false))

	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		t.Setenv("FLUX_TEST_BOOL", v)
		assert.True(t, EnvBool("FLUX_TEST_BOOL", false), "expected %q to be truthy", v)
	}

	t.Setenv("FLUX_TEST_BOOL", "nope")
	assert.False(t, EnvBool("FLUX_TEST_BOOL", true))
}

func TestLoad_EnvOverridesCoverIntDurationAndBoolKnobs(t *testing.T) {
	path := writeTOML(t, `
[[backends]]
addr = "127.0.0.1:9001"
`)
	t.Setenv("FLUX_GOSSIP_FANOUT", "5")
	t.Setenv("FLUX_POOL_MAX_TOTAL", "999")
	t.Setenv("FLUX_GOSSIP_SUSPECT_TIMEOUT", "2500ms")
	t.Setenv("FLUX_POOL_IDLE_TTL", "90s")
	t.Setenv("FLUX_HEALTH_CHECK_DISABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Gossip.Fanout)
	assert.Equal(t, 999, cfg.Pool.MaxTotal)
	assert.Equal(t, 2500, cfg.Gossip.SuspectTimeoutMs)
	assert.Equal(t, 90, cfg.Pool.IdleTTLSeconds)
	assert.True(t, cfg.HealthCheck.Disabled)
}
