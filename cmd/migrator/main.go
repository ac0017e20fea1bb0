// Package main provides the database migration CLI tool for the prediction
// service.
//
// The migrator ships with its schema compiled in, supporting
// up/down/status/version/validate commands for zero-config deployment.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/foresight-io/foresight/migrations"
)

// Version information
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *configHelp || len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	command := os.Args[1]

	// Validation needs no database at all.
	if command == "validate" {
		if err := validateEmbedded(); err != nil {
			log.Fatalf("Migration validation failed: %v", err)
		}
		return
	}

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	if err := executeCommand(command, runner); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, runner MigrationRunner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		fmt.Print("WARNING: This will drop all tables. Are you sure? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if response == "y" || response == "Y" {
			return runner.Drop()
		}
		fmt.Println("Operation cancelled.")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// validateEmbedded checks the embedded migration set and prints its contents.
func validateEmbedded() error {
	if err := migrations.Validate(); err != nil {
		return err
	}

	files, err := migrations.List()
	if err != nil {
		return err
	}

	sums, err := migrations.Checksums()
	if err != nil {
		return err
	}

	fmt.Printf("Embedded migrations valid (%d files):\n", len(files))

	for _, file := range files {
		fmt.Printf("  %s  %s\n", sums[file][:12], file)
	}

	return nil
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - Database Migration Tool for the Prediction Service

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Rollback the last migration
    status   Show migration status
    version  Show current migration version
    validate Check the embedded migration set (no database needed)
    drop     Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)

    MIGRATIONS_PATH Optional directory of migration files; overrides the
                   embedded set (default: embedded)

    MIGRATION_TABLE Name of migration tracking table
                   (default: schema_migrations)

EXAMPLES:
    %s up                    # Apply all embedded migrations
    %s status               # Show current migration status
    %s down                 # Rollback last migration
    %s validate            # Verify the embedded migration set

For zero-config deployment, run with only DATABASE_URL set.
`, name, version, name, name, name, name, name)
}
