package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 0.95, cfg.Stats.ConfidenceLevel)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splitgoat.yaml")
	data := `
server:
  port: 9090
store:
  driver: postgres
  dsn: postgres://localhost/splitgoat
stats:
  confidence_level: 0.99
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/splitgoat", cfg.Store.DSN)
	assert.Equal(t, 0.99, cfg.Stats.ConfidenceLevel)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset keys keep their defaults
	assert.Equal(t, 10000, cfg.Assignment.CacheSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDBPath:   "/data/sg.db",
		EnvDBDriver: DriverMemory,
		EnvPort:     "7000",
		EnvToken:    "secret",
		EnvLogLevel: "debug",
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "/data/sg.db", cfg.Store.DSN)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == EnvPort {
			return "eighty"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"port zero":          func(c *Config) { c.Server.Port = 0 },
		"port too high":      func(c *Config) { c.Server.Port = 70000 },
		"unknown driver":     func(c *Config) { c.Store.Driver = "mysql" },
		"sqlite without dsn": func(c *Config) { c.Store.DSN = "" },
		"negative cache":     func(c *Config) { c.Assignment.CacheSize = -1 },
		"confidence zero":    func(c *Config) { c.Stats.ConfidenceLevel = 0 },
		"confidence one":     func(c *Config) { c.Stats.ConfidenceLevel = 1 },
		"bad level":          func(c *Config) { c.Log.Level = "loud" },
		"bad format":         func(c *Config) { c.Log.Format = "xml" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_MemoryNeedsNoDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = DriverMemory
	cfg.Store.DSN = ""
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "test_id", "t1")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"test_id":"t1"`)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
