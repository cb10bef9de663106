package main

import (
	"fmt"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/storage/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
				return ignoreNoChange(m.Up())
			}),
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back the given number of migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return errors.Errorf("steps must be a positive number, got %q", args[0])
				}
				return ignoreNoChange(m.Steps(-n))
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return errors.Wrap(err, "read version")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			}),
		},
	)
	return cmd
}

type migrateFunc func(cmd *cobra.Command, m *migrate.Migrate, args []string) error

func withMigrator(fn migrateFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := postgres.NewMigrator(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() {
			srcErr, dbErr := m.Close()
			if err := multierr.Combine(srcErr, dbErr); err != nil {
				zctx.From(cmd.Context()).Warn("Close migrator", zap.Error(err))
			}
		}()

		if err := fn(cmd, m, args); err != nil {
			return errors.Wrapf(err, "migrate %s", cmd.Name())
		}
		zctx.From(cmd.Context()).Info("Migration finished", zap.String("command", cmd.Name()))
		return nil
	}
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
