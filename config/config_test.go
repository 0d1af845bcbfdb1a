package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meagan/logging"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 3000, config.GatewayPort)
	assert.Equal(t, 3001, config.ServiceStartPort)
	assert.Equal(t, ".js", config.ServiceExtension)
	assert.Equal(t, "node", config.Runtime)
	assert.Equal(t, []string{"game"}, config.UpgradeableServices)
	assert.Equal(t, "/health", config.HealthPath)
	assert.Equal(t, 30*time.Second, config.HealthIntervalDuration())
	assert.Equal(t, 2*time.Second, config.HealthGraceDelayDuration())
	assert.Equal(t, 3*time.Second, config.ProbeTimeoutDuration())
	assert.Equal(t, 60*time.Second, config.ProxyTimeoutDuration())
	assert.Equal(t, 5*time.Second, config.ProxyDialTimeoutDuration())
	assert.Equal(t, 100*time.Millisecond, config.RefreshDebounceDuration())
	assert.Equal(t, ":3000", config.Addr())
	assert.False(t, config.Log.Console, "the console owns stdout by default")
	assert.NoError(t, config.Validate())
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "4000")
	t.Setenv("MEAGAN_SERVICES_DIR", "/srv/units")
	t.Setenv("MEAGAN_SERVICE_START_PORT", "5001")
	t.Setenv("MEAGAN_RUNTIME", "python3")
	t.Setenv("MEAGAN_SERVICE_EXTENSION", ".py")
	t.Setenv("MEAGAN_UPGRADEABLE_SERVICES", "game, chat ,")
	t.Setenv("MEAGAN_HEALTH_INTERVAL", "5")
	t.Setenv("MEAGAN_PROBE_TIMEOUT", "250")
	t.Setenv("MEAGAN_LOG_LEVEL", "DEBUG")
	t.Setenv("MEAGAN_LOG_CONSOLE", "true")

	config := DefaultConfig()
	require.NoError(t, overrideFromEnv(&config))

	assert.Equal(t, 4000, config.GatewayPort)
	assert.Equal(t, "/srv/units", config.ServicesDir)
	assert.Equal(t, 5001, config.ServiceStartPort)
	assert.Equal(t, "python3", config.Runtime)
	assert.Equal(t, ".py", config.ServiceExtension)
	assert.Equal(t, []string{"game", "chat"}, config.UpgradeableServices)
	assert.Equal(t, 5, config.HealthInterval)
	assert.Equal(t, 250*time.Millisecond, config.ProbeTimeoutDuration())
	assert.Equal(t, logging.DebugLevel, config.Log.Level)
	assert.True(t, config.Log.Console)
}

func TestOverrideFromEnvPrefersNamespacedPort(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "4000")
	t.Setenv("MEAGAN_GATEWAY_PORT", ":4100")

	config := DefaultConfig()
	require.NoError(t, overrideFromEnv(&config))
	assert.Equal(t, 4100, config.GatewayPort)
}

func TestOverrideFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "not-a-port")

	config := DefaultConfig()
	assert.Error(t, overrideFromEnv(&config))
}

func TestLoadConfigFromFiles(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "gateway.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"gateway_port": 8088, "services_dir": "units", "health_path": "/ready"}`), 0o644))

	config, err := LoadConfig(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 8088, config.GatewayPort)
	assert.Equal(t, "units", config.ServicesDir)
	assert.Equal(t, "/ready", config.HealthPath)
	assert.Equal(t, 3001, config.ServiceStartPort, "unset keys keep their defaults")

	yamlPath := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("gateway_port: 9099\nupgradeable_services:\n  - arena\nlog:\n  level: warn\n"), 0o644))

	config, err = LoadConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 9099, config.GatewayPort)
	assert.Equal(t, []string{"arena"}, config.UpgradeableServices)
	assert.Equal(t, logging.WarnLevel, config.Log.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestOverrideFromEnvRejectsBadInt(t *testing.T) {
	t.Setenv("MEAGAN_PROXY_TIMEOUT", "abc")

	config := DefaultConfig()
	err := overrideFromEnv(&config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEAGAN_PROXY_TIMEOUT")
	assert.Equal(t, 60000, config.ProxyTimeout, "the default is left alone")
}

func TestLoadConfigRejectsZeroTimeoutFromEnv(t *testing.T) {
	t.Setenv("MEAGAN_PROXY_TIMEOUT", "0")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy timeout")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"gateway port out of range", func(c *Config) { c.GatewayPort = 70000 }},
		{"no services dir", func(c *Config) { c.ServicesDir = "" }},
		{"zero health interval", func(c *Config) { c.HealthInterval = 0 }},
		{"negative grace delay", func(c *Config) { c.HealthGraceDelay = -1 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"negative probe timeout", func(c *Config) { c.ProbeTimeout = -5 }},
		{"zero proxy timeout", func(c *Config) { c.ProxyTimeout = 0 }},
		{"negative proxy timeout", func(c *Config) { c.ProxyTimeout = -1 }},
		{"zero proxy dial timeout", func(c *Config) { c.ProxyDialTimeout = 0 }},
		{"zero refresh debounce", func(c *Config) { c.RefreshDebounce = 0 }},
		{"negative refresh debounce", func(c *Config) { c.RefreshDebounce = -100 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := DefaultConfig()
			test.modify(&config)
			assert.Error(t, config.Validate())
		})
	}

	config := DefaultConfig()
	config.HealthGraceDelay = 0
	assert.NoError(t, config.Validate(), "probing right after launch is allowed")
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		input       string
		expected    int
		expectError bool
	}{
		{"3000", 3000, false},
		{":3000", 3000, false},
		{" 8080 ", 8080, false},
		{"0", 0, true},
		{"", 0, true},
		{"65536", 0, true},
		{"abc", 0, true},
	}

	for _, test := range tests {
		result, err := parsePort(test.input)
		if test.expectError {
			assert.Error(t, err, "parsePort(%q)", test.input)
			continue
		}
		assert.NoError(t, err, "parsePort(%q)", test.input)
		assert.Equal(t, test.expected, result, "parsePort(%q)", test.input)
	}
}

func TestParseEnvInt(t *testing.T) {
	n, err := parseEnvInt(" 10 ")
	assert.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = parseEnvInt("10.5")
	assert.Error(t, err)
}
