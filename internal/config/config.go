// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for the database (always absolute)
	DatabaseName   string // Database file name inside DataDir
	ReportCurrency string // Currency everything is reported in
	LogLevel       string
	LogPretty      bool
	DevMode        bool
	StateCacheDir  string // Directory for warm-start engine snapshots ("" = DataDir)
}

// Load reads configuration from environment variables, with a .env file as
// optional overlay for local development.
func Load() (*Config, error) {
	// Missing .env is fine, environment variables still apply
	_ = godotenv.Load()

	dataDir := getEnv("FINBOOK_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		DatabaseName:   getEnv("FINBOOK_DB_NAME", "finbook.db"),
		ReportCurrency: getEnv("FINBOOK_REPORT_CURRENCY", "CNY"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnvAsBool("LOG_PRETTY", false),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		StateCacheDir:  getEnv("FINBOOK_STATE_CACHE_DIR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseName == "" {
		return fmt.Errorf("database name must not be empty")
	}
	if c.ReportCurrency == "" {
		return fmt.Errorf("report currency must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// DatabasePath returns the absolute path of the SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, c.DatabaseName)
}

// CacheDir returns the directory for warm-start snapshots.
func (c *Config) CacheDir() string {
	if c.StateCacheDir != "" {
		return c.StateCacheDir
	}
	return c.DataDir
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
