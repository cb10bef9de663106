// Command shopctl runs storefront maintenance tasks: migrations, scheduled
// jobs, catalog seeding and discount imports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/app"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "shopctl",
		Short:         "Storefront maintenance commands",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := zap.NewDevelopmentConfig()
			if !verbose {
				cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
			}
			lg, err := cfg.Build()
			if err != nil {
				return errors.Wrap(err, "create logger")
			}
			cmd.SetContext(zctx.Base(cmd.Context(), lg))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			_ = zctx.From(cmd.Context()).Sync()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		migrateCmd(),
		emailsCmd(),
		discountsCmd(),
		paymentsCmd(),
		ordersCmd(),
		seedCmd(),
	)
	return root
}

// loadConfig reads the shared storefront configuration and checks that a
// database is configured, which every command needs.
func loadConfig() (*app.Config, error) {
	cfg, err := app.LoadToolConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	return cfg, nil
}
