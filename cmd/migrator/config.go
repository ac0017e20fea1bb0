package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationsPath optionally overrides the embedded migrations with a
	// directory on disk. Empty means embedded.
	MigrationsPath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	// An explicit migrations directory must exist; the embedded default
	// needs no filesystem at all.
	if c.MigrationsPath != "" {
		absPath, err := filepath.Abs(c.MigrationsPath)
		if err != nil {
			return fmt.Errorf("failed to resolve migrations path: %w", err)
		}
		c.MigrationsPath = absPath

		if _, err := os.Stat(c.MigrationsPath); os.IsNotExist(err) {
			return fmt.Errorf("migrations directory does not exist: %s", c.MigrationsPath)
		}
	}

	return nil
}

// Source describes where migrations are read from (safe for logging).
func (c *Config) Source() string {
	if c.MigrationsPath == "" {
		return "embedded"
	}

	return c.MigrationsPath
}

// String returns a string representation of the configuration (safe for logging).
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, Migrations: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.Source(), c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL masks the password in database URLs for logging.
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	// Find the "//" that starts the authority section.
	authStart := -1
	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2
			break
		}
	}

	if authStart == -1 {
		return url
	}

	// The last "@" before the path separates user info from host, in case
	// the password itself contains "@".
	atPos := -1
	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	colonPos := -1
	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i
			break
		}
	}

	if colonPos == -1 {
		return url
	}

	if atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
