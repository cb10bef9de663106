package main

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/app"
	"github.com/popkunst/storefront/internal/domain/email"
	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/storage/postgres"
)

// jobEnv holds the services the scheduled jobs run against.
type jobEnv struct {
	cfg        *app.Config
	pool       *pgxpool.Pool
	dispatcher *email.Dispatcher
	publisher  app.Publisher
}

func openJobEnv(ctx context.Context) (*jobEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	dispatcher, err := app.NewDispatcher(cfg, postgres.NewEmailQueue(pool), otel.GetMeterProvider())
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &jobEnv{
		cfg:        cfg,
		pool:       pool,
		dispatcher: dispatcher,
		publisher:  app.NewPublisher(cfg.Kafka, otel.GetTracerProvider()),
	}, nil
}

func (e *jobEnv) reconciler() (*order.Reconciler, error) {
	notifier := email.NewOrderNotifier(e.dispatcher, e.cfg.AdminEmail, e.cfg.AdminURL)
	return order.NewReconciler(postgres.NewOrderStore(e.pool), notifier, e.publisher,
		otel.GetMeterProvider(), otel.GetTracerProvider())
}

func (e *jobEnv) Close() {
	_ = e.publisher.Close()
	e.pool.Close()
}

func emailsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emails",
		Short: "Work the outbound email queue",
	}

	var batch int
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Send due emails",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := openJobEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if batch <= 0 {
				batch = env.cfg.Email.Batch
			}
			report, err := env.dispatcher.DrainPending(ctx, batch)
			zctx.From(ctx).Info("Emails drained",
				zap.Int("processed", report.Processed),
				zap.Int("sent", report.Sent),
				zap.Int("failed", report.Failed),
			)
			if err != nil {
				return errors.Wrap(err, "drain emails")
			}
			return nil
		},
	}
	drain.Flags().IntVar(&batch, "batch", 0, "emails claimed per run (default from config)")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished emails past retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := openJobEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.dispatcher.Purge(ctx)
			if err != nil {
				return errors.Wrap(err, "purge emails")
			}
			zctx.From(ctx).Info("Emails purged", zap.Int("deleted", n))
			return nil
		},
	}

	cmd.AddCommand(drain, purge)
	return cmd
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment maintenance",
	}

	var limit int
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Re-check orders whose payment could not be verified at redirect time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := openJobEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			payments := app.NewPayments(env.cfg)
			if len(payments) == 0 {
				return errors.New("no payment provider configured")
			}
			r, err := env.reconciler()
			if err != nil {
				return errors.Wrap(err, "create reconciler")
			}
			if limit <= 0 {
				limit = env.cfg.Jobs.VerifyLimit
			}
			checked, err := r.VerifyPending(ctx, payments, limit)
			if err != nil {
				return errors.Wrap(err, "verify payments")
			}
			zctx.From(ctx).Info("Payments verified", zap.Int("checked", checked))
			return nil
		},
	}
	verify.Flags().IntVar(&limit, "limit", 0, "orders checked per run (default from config)")

	cmd.AddCommand(verify)
	return cmd
}

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Order lifecycle jobs",
	}

	var after time.Duration
	deliver := &cobra.Command{
		Use:   "deliver",
		Short: "Mark long-shipped orders as delivered",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := openJobEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if after <= 0 {
				after = env.cfg.Jobs.DeliveryAfter
			}
			notifier := email.NewOrderNotifier(env.dispatcher, env.cfg.AdminEmail, env.cfg.AdminURL)
			svc := order.NewService(postgres.NewOrderStore(env.pool), app.NewPayments(env.cfg), notifier, env.publisher)
			n, err := svc.ConfirmDeliveries(ctx, after, env.cfg.Jobs.DeliveryLimit)
			if err != nil {
				return errors.Wrap(err, "confirm deliveries")
			}
			zctx.From(ctx).Info("Deliveries confirmed", zap.Int("delivered", n))
			return nil
		},
	}
	deliver.Flags().DurationVar(&after, "after", 0, "time since shipping (default from config)")

	cmd.AddCommand(deliver)
	return cmd
}
