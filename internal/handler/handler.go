// Package handler exposes checkout, payment notification, admin and cron
// endpoints over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/popkunst/storefront/internal/domain/checkout"
	"github.com/popkunst/storefront/internal/domain/email"
	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/pkg/httpmiddleware"
)

// TokenIssuer mints checkout tokens.
type TokenIssuer interface {
	Issue(ctx context.Context) (*checkout.Token, error)
}

// Checkout starts payments.
type Checkout interface {
	Initiate(ctx context.Context, provider payment.Provider, req checkout.Request) (*checkout.Result, error)
}

// Reconciler applies payment events to orders.
type Reconciler interface {
	Handle(ctx context.Context, ev *payment.Event) (*order.ReconcileResult, error)
	MarkPendingVerification(ctx context.Context, reference string) error
	VerifyPending(ctx context.Context, payments payment.Registry, limit int) (int, error)
}

// Orders performs admin-driven order transitions.
type Orders interface {
	PaymentAction(ctx context.Context, reference string, action order.Action, amount int64) (*order.Order, error)
	Ship(ctx context.Context, id string, tracking order.Tracking) (*order.Order, error)
	ConfirmDeliveries(ctx context.Context, after time.Duration, limit int) (int, error)
}

// Emails drains the email queue.
type Emails interface {
	DrainPending(ctx context.Context, batch int) (email.Report, error)
	Purge(ctx context.Context) (int, error)
}

// Config holds non-dependency handler settings.
type Config struct {
	// PublicBaseURL is the storefront origin browsers are redirected to.
	PublicBaseURL string
	Locales       []string
	DefaultLocale string
	// CronSecret authenticates scheduled jobs. Cron endpoints reject every
	// request while it is empty.
	CronSecret    string
	EmailBatch    int
	DeliveryAfter time.Duration
	VerifyLimit   int
	DeliveryLimit int
}

// Handler serves the storefront API.
type Handler struct {
	cfg        Config
	tokens     TokenIssuer
	checkout   Checkout
	reconciler Reconciler
	orders     Orders
	emails     Emails
	payments   payment.Registry
}

// NewHandler constructs a Handler.
func NewHandler(
	cfg Config,
	tokens TokenIssuer,
	co Checkout,
	reconciler Reconciler,
	orders Orders,
	emails Emails,
	payments payment.Registry,
) *Handler {
	if cfg.EmailBatch <= 0 {
		cfg.EmailBatch = 50
	}
	if cfg.DeliveryAfter <= 0 {
		cfg.DeliveryAfter = 14 * 24 * time.Hour
	}
	if cfg.VerifyLimit <= 0 {
		cfg.VerifyLimit = 50
	}
	if cfg.DeliveryLimit <= 0 {
		cfg.DeliveryLimit = 200
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "no"
	}
	return &Handler{
		cfg:        cfg,
		tokens:     tokens,
		checkout:   co,
		reconciler: reconciler,
		orders:     orders,
		emails:     emails,
		payments:   payments,
	}
}

// Routes holds per-group middlewares for Router.
type Routes struct {
	// CheckoutLimit throttles checkout initiation.
	CheckoutLimit httpmiddleware.Middleware
	// Admin authenticates admin requests.
	Admin httpmiddleware.Middleware
	// Extra mounts additional handlers, e.g. health probes, at the root.
	Extra map[string]http.HandlerFunc
}

// Router returns the API router.
func (h *Handler) Router(routes Routes) chi.Router {
	r := chi.NewRouter()
	for path, fn := range routes.Extra {
		r.Get(path, fn)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/checkout/token", h.CheckoutToken)
		r.With(optional(routes.CheckoutLimit)).Post("/checkout/{provider}", h.InitiateCheckout)

		r.Post("/webhooks/stripe", h.StripeWebhook)
		r.Get("/vipps/callback", h.VippsCallback)

		r.Route("/admin", func(r chi.Router) {
			r.Use(optional(routes.Admin))
			r.Post("/payments", h.PaymentAction)
			r.Post("/orders/{id}/ship", h.ShipOrder)
		})

		r.Route("/cron", func(r chi.Router) {
			r.Use(h.requireCronSecret)
			r.Post("/emails", h.CronEmails)
			r.Post("/deliveries", h.CronDeliveries)
			r.Post("/verify-payments", h.CronVerifyPayments)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}

func optional(m httpmiddleware.Middleware) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m
}
