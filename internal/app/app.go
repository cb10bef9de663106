package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/popkunst/storefront/internal/domain/checkout"
	"github.com/popkunst/storefront/internal/domain/discount"
	"github.com/popkunst/storefront/internal/domain/email"
	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/pricing"
	"github.com/popkunst/storefront/internal/events"
	"github.com/popkunst/storefront/internal/handler"
	"github.com/popkunst/storefront/internal/mailer"
	"github.com/popkunst/storefront/internal/payment/stripe"
	"github.com/popkunst/storefront/internal/payment/vipps"
	"github.com/popkunst/storefront/internal/storage/postgres"
	"github.com/popkunst/storefront/internal/storage/redis"
	"github.com/popkunst/storefront/pkg/health"
	"github.com/popkunst/storefront/pkg/httpmiddleware"
)

// Publisher is an order event publisher that owns resources.
type Publisher interface {
	order.EventPublisher
	Close() error
}

// NewPublisher returns a Kafka publisher, or a no-op one without brokers.
func NewPublisher(cfg KafkaConfig, tp trace.TracerProvider) Publisher {
	if len(cfg.Brokers) == 0 {
		return events.Nop{}
	}
	return events.NewPublisher(cfg.Brokers, cfg.Topic, tp)
}

// NewPayments builds the registry of enabled payment providers.
func NewPayments(cfg *Config) payment.Registry {
	var adapters []payment.Adapter
	if cfg.Stripe.SecretKey != "" {
		adapters = append(adapters, stripe.New(stripe.Config{
			APIKey:        cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BaseURL:       cfg.Stripe.BaseURL,
			Tolerance:     cfg.Stripe.Tolerance,
		}, nil))
	}
	if cfg.Vipps.ClientID != "" {
		adapters = append(adapters, vipps.New(vipps.Config{
			BaseURL:              cfg.Vipps.BaseURL,
			ClientID:             cfg.Vipps.ClientID,
			ClientSecret:         cfg.Vipps.ClientSecret,
			SubscriptionKey:      cfg.Vipps.SubscriptionKey,
			MerchantSerialNumber: cfg.Vipps.MerchantSerialNumber,
		}, nil))
	}
	return payment.NewRegistry(adapters...)
}

// NewDispatcher wires the email queue to the mail API.
func NewDispatcher(cfg *Config, queue email.Queue, mp metric.MeterProvider) (*email.Dispatcher, error) {
	renderer, err := email.NewRenderer()
	if err != nil {
		return nil, errors.Wrap(err, "create email renderer")
	}
	sender := mailer.New(mailer.Config{
		BaseURL: cfg.Mailer.BaseURL,
		APIKey:  cfg.Mailer.APIKey,
		From:    cfg.Mailer.From,
		ReplyTo: cfg.Mailer.ReplyTo,
	}, nil)
	return email.NewDispatcher(cfg.email(), queue, sender, renderer, mp)
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
			return errors.Wrap(err, "run migrations")
		}
	}

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "connect redis")
	}
	defer func() { _ = rdb.Close() }()

	// Health checks.
	healthSvc := health.New()
	healthSvc.Register(health.Check{Name: "postgres", Kind: health.Readiness, Fn: health.PingCheck(pool)})
	healthSvc.Register(health.Check{
		Name: "redis",
		Kind: health.Readiness,
		Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})
	healthSvc.Register(health.Check{
		Name:    "goroutines",
		Kind:    health.Liveness,
		Timeout: time.Second,
		Fn:      health.GoroutineCountCheck(10000),
	})

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	discountRepo := postgres.NewDiscountRepository(pool)
	orderStore := postgres.NewOrderStore(pool)
	emailQueue := postgres.NewEmailQueue(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	publisher := NewPublisher(cfg.Kafka, m.TracerProvider())
	defer func() {
		if err := publisher.Close(); err != nil {
			lg.Warn("Close event publisher", zap.Error(err))
		}
	}()

	// Domain services.
	payments := NewPayments(cfg)
	dispatcher, err := NewDispatcher(cfg, emailQueue, m.MeterProvider())
	if err != nil {
		return err
	}
	notifier := email.NewOrderNotifier(dispatcher, cfg.AdminEmail, cfg.AdminURL)
	reconciler, err := order.NewReconciler(orderStore, notifier, publisher, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}
	orderService := order.NewService(orderStore, payments, notifier, publisher)
	quoter := pricing.NewAuthority(cfg.pricing(), productRepo, discount.NewRepoValidator(discountRepo))
	tokens := checkout.NewTokens(redis.NewNonceStore(rdb), checkout.TokenConfig{
		Secret: []byte(cfg.Checkout.TokenSecret),
		TTL:    cfg.Checkout.TokenTTL,
		Strict: cfg.Checkout.StrictTokens,
	})
	checkoutService := checkout.NewService(checkout.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		Locales:       cfg.Locales,
		DefaultLocale: cfg.DefaultLocale,
	}, tokens, quoter, payments, orderStore)

	// HTTP handlers.
	h := handler.NewHandler(handler.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		Locales:       cfg.Locales,
		DefaultLocale: cfg.DefaultLocale,
		CronSecret:    cfg.CronSecret,
		EmailBatch:    cfg.Email.Batch,
		DeliveryAfter: cfg.Jobs.DeliveryAfter,
		DeliveryLimit: cfg.Jobs.DeliveryLimit,
		VerifyLimit:   cfg.Jobs.VerifyLimit,
	}, tokens, checkoutService, reconciler, orderService, dispatcher, payments)
	securityHandler := handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper))

	trustedProxies, err := httpmiddleware.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "parse trusted proxies")
	}
	checkoutLimiter := redis.NewFixedWindow(rdb, cfg.Checkout.RateLimit, cfg.Checkout.RateWindow)
	router := h.Router(handler.Routes{
		CheckoutLimit: httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
			Max:            cfg.Checkout.RateLimit,
			Prefix:         "checkout:",
			TrustedProxies: trustedProxies,
		}, checkoutLimiter),
		Admin: securityHandler.RequireScope(handler.AdminScope),
		Extra: map[string]http.HandlerFunc{
			"/livez":  healthSvc.LiveEndpoint,
			"/readyz": healthSvc.ReadyEndpoint,
		},
	})

	globalLimiter := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:          cfg.CORS.Origins,
				Headers:          []string{"Content-Type", "Authorization", handler.APIKeyHeader},
				ExposeHeaders:    []string{"Retry-After", httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:            cfg.RateLimit.Max,
				TrustedProxies: trustedProxies,
			}, globalLimiter),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("storefront-api", m),
			httpmiddleware.LogRequests(),
			httpmiddleware.Labeler(),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthSvc.Run(gCtx, 10*time.Second)
	})
	g.Go(func() error {
		return globalLimiter.Run(gCtx)
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}
