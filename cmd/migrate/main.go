// Command migrate applies the metaengine database schema.
//
// Usage:
//
//	migrate up --database postgres://...
//	migrate down --steps 1
//	migrate version
//	migrate force 1
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/liamcoop/metaengine/internal/logger"
)

var (
	databaseURL    string
	migrationsPath string
	downSteps      int
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the metaengine database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := open()
		if err != nil {
			return err
		}
		defer m.Close()

		logger.Info("running migrations up", "path", migrationsPath)
		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no migrations to run, database is up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("migrations completed")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (all of them unless --steps is set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := open()
		if err != nil {
			return err
		}
		defer m.Close()

		if downSteps > 0 {
			err = m.Steps(-downSteps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		logger.Info("rollback completed", "steps", downSteps)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := open()
		if err != nil {
			return err
		}
		defer m.Close()

		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
		return nil
	},
}

var forceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[0], err)
		}
		m, err := open()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		logger.Info("forced schema version", "version", version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "database URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "path to the migrations directory")
	downCmd.Flags().IntVar(&downSteps, "steps", 0, "number of migrations to roll back")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd)
}

func open() (*migrate.Migrate, error) {
	url := databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, errors.New("database URL is required: use --database or DATABASE_URL")
	}
	m, err := migrate.New("file://"+migrationsPath, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}
