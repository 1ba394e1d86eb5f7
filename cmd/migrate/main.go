package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kr8tiv/mission-control/internal/database"
	"github.com/kr8tiv/mission-control/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Mission Control database migration tool",
		Long: `migrate applies the schema migrations embedded in this binary.
The recovery worker defers its sweeps until the newest migration is applied.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(upCmd(), downCmd(), stepsCmd(), versionCmd(), forceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withMigrator(fn func(m *database.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	migrator, err := database.NewMigrator(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	return fn(migrator)
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run all available migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *database.Migrator) error {
				fmt.Println("Running migrations...")
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Println("Migrations completed successfully")
				return nil
			})
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *database.Migrator) error {
				fmt.Println("Rolling back migrations...")
				if err := m.Down(); err != nil {
					return err
				}
				fmt.Println("Rollback completed successfully")
				return nil
			})
		},
	}
}

func stepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <n>",
		Short: "Run n migrations up (positive) or down (negative)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid steps argument: %s", args[0])
			}
			return withMigrator(func(m *database.Migrator) error {
				fmt.Printf("Running %d migration steps...\n", steps)
				if err := m.Steps(steps); err != nil {
					return err
				}
				fmt.Println("Migration steps completed successfully")
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the applied and embedded migration versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			latest, err := database.LatestVersion()
			if err != nil {
				return err
			}
			return withMigrator(func(m *database.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Printf("Current migration version: %d\n", version)
				fmt.Printf("Latest embedded version: %d\n", latest)
				if dirty {
					fmt.Println("WARNING: Database is in a dirty state")
				}
				return nil
			})
		},
	}
}

func forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Set the migration version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version argument: %s", args[0])
			}
			return withMigrator(func(m *database.Migrator) error {
				fmt.Printf("Forcing migration version to %d...\n", version)
				if err := m.Force(version); err != nil {
					return err
				}
				fmt.Println("Migration version forced successfully")
				return nil
			})
		},
	}
}
