package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sarathsp06/tenanthooks/internal/config"
	"github.com/sarathsp06/tenanthooks/internal/logger"
)

func main() {
	// Parse command line flags
	var (
		direction = flag.String("direction", "up", "Migration direction: up, down")
		steps     = flag.Int("steps", 0, "Number of migration steps (0 for all)")
		version   = flag.Uint("version", 0, "Target migration version")
		path      = flag.String("path", "file://db/migrations", "Migration source URL")
		skipRiver = flag.Bool("skip-river", false, "Skip River queue schema migrations")
	)
	flag.Parse()

	// Initialize logger
	log := logger.NewLogger("migration")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required for migrations")
		os.Exit(1)
	}
	log.Info("Starting database migration",
		"direction", *direction,
		"source", *path,
	)

	ctx := context.Background()

	// River's schema only moves up; rolling back the application schema
	// leaves the queue tables in place.
	if *direction == "up" && !*skipRiver {
		if err := runRiverMigrations(ctx, cfg.DatabaseURL, log); err != nil {
			log.Error("Failed to run River migrations", "error", err)
			os.Exit(1)
		}
	}

	if err := runAppMigrations(cfg.DatabaseURL, *path, *direction, *steps, *version, log); err != nil {
		log.Error("Failed to run application migrations", "error", err)
		os.Exit(1)
	}

	log.Info("All migrations completed successfully")
}

func runRiverMigrations(ctx context.Context, databaseURL string, log *slog.Logger) error {
	log.Info("Running River queue migrations...")

	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(dbPool), &rivermigrate.Config{
		Logger: logger.NewLogger("river-migrate"),
	})
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("failed to run River migrations: %w", err)
	}

	for _, version := range res.Versions {
		log.Info("Applied River migration", "version", version.Version, "name", version.Name)
	}
	log.Info("River migrations completed", "migrations_run", len(res.Versions))
	return nil
}

func runAppMigrations(databaseURL, sourceURL, direction string, steps int, targetVersion uint, log *slog.Logger) error {
	log.Info("Running application migrations...")

	// golang-migrate's postgres driver needs a database/sql handle.
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d; fix the schema and force the version with the migrate CLI", currentVersion)
	}
	log.Info("Current migration state", "version", currentVersion)

	if err := apply(m, direction, steps, targetVersion); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	finalVersion, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get final migration version: %w", err)
	}
	log.Info("Application migrations completed", "final_version", finalVersion)
	return nil
}

// apply runs one migration command. A target version wins over steps; with
// neither, up goes to the latest version and down goes back one step.
func apply(m *migrate.Migrate, direction string, steps int, targetVersion uint) error {
	switch {
	case direction != "up" && direction != "down":
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	case targetVersion > 0:
		if err := m.Migrate(targetVersion); err != nil {
			return fmt.Errorf("failed to migrate to version %d: %w", targetVersion, err)
		}
	case direction == "up" && steps > 0:
		if err := m.Steps(steps); err != nil {
			return fmt.Errorf("failed to migrate %d steps up: %w", steps, err)
		}
	case direction == "up":
		if err := m.Up(); err != nil {
			return fmt.Errorf("failed to migrate up: %w", err)
		}
	default:
		n := max(steps, 1)
		if err := m.Steps(-n); err != nil {
			return fmt.Errorf("failed to migrate %d steps down: %w", n, err)
		}
	}
	return nil
}
