package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/headline-goat/splitgoat/internal/stats"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Environment variables read by ApplyEnv
const (
	EnvDBPath   = "SG_DB_PATH"
	EnvDBDriver = "SG_DB_DRIVER"
	EnvPort     = "SG_PORT"
	EnvToken    = "SG_TOKEN"
	EnvLogLevel = "SG_LOG_LEVEL"
)

// Config holds splitgoat configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Stats      StatsConfig      `yaml:"stats"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"` // generated at startup when empty
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"` // file path for sqlite, connection string for postgres
}

type AssignmentConfig struct {
	CacheSize int `yaml:"cache_size"` // 0 disables the cache
}

type StatsConfig struct {
	ConfidenceLevel float64 `yaml:"confidence_level"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Server:     ServerConfig{Port: 8080},
		Store:      StoreConfig{Driver: DriverSQLite, DSN: "./splitgoat.db"},
		Assignment: AssignmentConfig{CacheSize: 10000},
		Stats:      StatsConfig{ConfidenceLevel: stats.DefaultConfidenceLevel},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SG_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv(EnvDBPath); v != "" {
		c.Store.DSN = v
	}
	if v := getenv(EnvDBDriver); v != "" {
		c.Store.Driver = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.Port = port
	}
	if v := getenv(EnvToken); v != "" {
		c.Server.Token = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store dsn required for driver '%s'", c.Store.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store driver must be 'sqlite', 'postgres' or 'memory', got '%s'", c.Store.Driver))
	}

	if c.Assignment.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("assignment cache size cannot be negative: %d", c.Assignment.CacheSize))
	}

	if c.Stats.ConfidenceLevel <= 0 || c.Stats.ConfidenceLevel >= 1 {
		errs = append(errs, fmt.Errorf("confidence level must be in (0, 1), got %v", c.Stats.ConfidenceLevel))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log format must be 'text' or 'json', got '%s'", c.Log.Format))
	}

	return errors.Join(errs...)
}
