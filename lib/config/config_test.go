// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server_url: https://collector.example.com
app_key: 0123456789abcdef
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, StrategyUUID, cfg.DeviceIDStrategy)
	assert.True(t, cfg.AllowDeviceIDFallback)
	assert.Equal(t, 100, cfg.EventsThreshold)
	assert.Equal(t, time.Minute, cfg.UpdateInterval())
	assert.Equal(t, BackendFile, cfg.StorageBackend)
	assert.Zero(t, cfg.RequestMaxAge())
}

func TestLoadRequiresTallyConfig(t *testing.T) {
	t.Setenv("TALLY_CONFIG", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TALLY_CONFIG environment variable not set")
}

func TestLoadFromTallyConfig(t *testing.T) {
	path := writeConfig(t, "tally.yaml", minimalYAML+"events_threshold: 5\n")
	t.Setenv("TALLY_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://collector.example.com", cfg.ServerURL)
	assert.Equal(t, 5, cfg.EventsThreshold)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "tally.yaml", minimalYAML+`
salt: pepper
use_post: true
request_max_age_seconds: 3600
storage_backend: sqlite
consent: [sessions, events]
`)

	cfg, err := LoadWithOptions(Options{Path: path, LookupEnv: noEnv})
	require.NoError(t, err)

	assert.Equal(t, "pepper", cfg.Salt)
	assert.True(t, cfg.UsePost)
	assert.Equal(t, time.Hour, cfg.RequestMaxAge())
	assert.Equal(t, BackendSQLite, cfg.StorageBackend)
	assert.Equal(t, []string{"sessions", "events"}, cfg.Consent)
	assert.Equal(t, 100, cfg.EventsThreshold, "unset keys keep defaults")
}

func TestLoadJSONC(t *testing.T) {
	path := writeConfig(t, "tally.jsonc", `{
	// Collector in the staging cluster.
	"server_url": "http://localhost:8080",
	"app_key": "key",
	"environment": "staging",
	"compress_requests": true, // gzip bodies
}`)

	cfg, err := LoadWithOptions(Options{Path: path, LookupEnv: noEnv})
	require.NoError(t, err)
	assert.Equal(t, Staging, cfg.Environment)
	assert.True(t, cfg.CompressRequests)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for _, name := range []string{"tally.yaml", "tally.json"} {
		t.Run(name, func(t *testing.T) {
			content := minimalYAML + "mystery: 1\n"
			if name == "tally.json" {
				content = `{"server_url": "https://c.example.com", "app_key": "k", "mystery": 1}`
			}
			path := writeConfig(t, name, content)

			_, err := LoadWithOptions(Options{Path: path, LookupEnv: noEnv})
			require.Error(t, err)
			var configErr *Error
			assert.True(t, errors.As(err, &configErr), "error %v is not *Error", err)
		})
	}
}

func TestLoadSchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		field string
	}{
		{"threshold range", "events_threshold: 0\n", "events_threshold"},
		{"threshold type", "events_threshold: many\n", "events_threshold"},
		{"strategy enum", "device_id_strategy: serial\n", "device_id_strategy"},
		{"backend enum", "storage_backend: s3\n", "storage_backend"},
		{"consent name", "consent: [telemetry]\n", "consent"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := writeConfig(t, "tally.yaml", minimalYAML+test.extra)

			_, err := LoadWithOptions(Options{Path: path, LookupEnv: noEnv})
			require.Error(t, err)
			var configErr *Error
			require.True(t, errors.As(err, &configErr), "error %v is not *Error", err)
			assert.Contains(t, configErr.Field, test.field)
		})
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "tally.toml", "server_url = 'x'")
	_, err := LoadWithOptions(Options{Path: path, LookupEnv: noEnv})
	assert.ErrorContains(t, err, "unsupported config extension")
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "tally.yaml", minimalYAML)
	envFile := writeConfig(t, "tally.env", "TALLY_APP_KEY=from-file\nTALLY_EVENTS_THRESHOLD=7\n")

	environ := map[string]string{
		"TALLY_APP_KEY":            "from-process",
		"TALLY_USE_POST":           "true",
		"TALLY_PINNED_PUBLIC_KEYS": "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=, ",
	}
	lookup := func(name string) (string, bool) {
		value, ok := environ[name]
		return value, ok
	}

	cfg, err := LoadWithOptions(Options{Path: path, EnvFile: envFile, LookupEnv: lookup})
	require.NoError(t, err)

	assert.Equal(t, "from-process", cfg.AppKey, "process environment wins over env file")
	assert.Equal(t, 7, cfg.EventsThreshold)
	assert.True(t, cfg.UsePost)
	assert.Equal(t, []string{"47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="}, cfg.PinnedPublicKeys)
}

func TestEnvironmentOverrideTypeError(t *testing.T) {
	path := writeConfig(t, "tally.yaml", minimalYAML)
	lookup := func(name string) (string, bool) {
		if name == "TALLY_USE_POST" {
			return "sometimes", true
		}
		return "", false
	}

	_, err := LoadWithOptions(Options{Path: path, LookupEnv: lookup})
	var configErr *Error
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "use_post", configErr.Field)
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("TALLY_TEST_ROOT", "/var/lib/app")
	path := writeConfig(t, "tally.yaml", minimalYAML+`
storage_path: ${TALLY_TEST_ROOT}/queue
storage_identity_file: ${TALLY_TEST_UNSET:-/etc/tally}/identity.txt
storage_recipients: [age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p]
`)

	cfg, err := LoadWithOptions(Options{Path: path, LookupEnv: noEnv})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/app/queue", cfg.StoragePath)
	assert.Equal(t, "/etc/tally/identity.txt", cfg.StorageIdentityFile)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.ServerURL = "https://collector.example.com"
		cfg.AppKey = "key"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing url", func(c *Config) { c.ServerURL = "" }, "server_url"},
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://collector" }, "server_url"},
		{"no host", func(c *Config) { c.ServerURL = "https://" }, "server_url"},
		{"missing app key", func(c *Config) { c.AppKey = " " }, "app_key"},
		{"custom without id", func(c *Config) { c.DeviceIDStrategy = StrategyCustom }, "device_id"},
		{"bad pin", func(c *Config) { c.PinnedPublicKeys = []string{"abc"} }, "pinned_public_keys"},
		{"recipients without identity", func(c *Config) { c.StorageRecipients = []string{"age1x"} }, "storage_identity_file"},
		{"negative max age", func(c *Config) { c.RequestMaxAgeSeconds = -1 }, "request_max_age_seconds"},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "environment"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.mutate(cfg)

			err := cfg.Validate()
			var configErr *Error
			require.True(t, errors.As(err, &configErr), "Validate() = %v", err)
			assert.Equal(t, test.field, configErr.Field)
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "config: app_key: is required", (&Error{Field: "app_key", Message: "is required"}).Error())
	assert.Equal(t, "config: broken", (&Error{Message: "broken"}).Error())
}
