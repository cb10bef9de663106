package checkout

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/pricing"
)

// ValidationError describes a malformed checkout request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Request is a checkout attempt as submitted by the client.
type Request struct {
	Lines        []pricing.CartLine
	Customer     payment.Customer
	Address      payment.Address
	DiscountCode string
	ShippingCost *int64
	Token        string
	Locale       string
}

// Result tells the client where to continue payment.
type Result struct {
	Provider    payment.Provider
	Reference   string
	RedirectURL string
	OrderNumber string
	Total       int64
}

// Config holds checkout settings.
type Config struct {
	// PublicBaseURL is the storefront origin used for return URLs.
	PublicBaseURL string
	Locales       []string
	DefaultLocale string
}

// TokenValidator consumes checkout tokens.
type TokenValidator interface {
	Validate(ctx context.Context, value string) error
}

// Quoter prices carts.
type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error)
}

// PendingStore records orders awaiting payment.
type PendingStore interface {
	CreatePending(ctx context.Context, o *order.Order) error
}

// Service starts payments.
type Service struct {
	cfg      Config
	tokens   TokenValidator
	quoter   Quoter
	payments payment.Registry
	orders   PendingStore
}

// NewService creates a checkout Service.
func NewService(cfg Config, tokens TokenValidator, quoter Quoter, payments payment.Registry, orders PendingStore) *Service {
	return &Service{cfg: cfg, tokens: tokens, quoter: quoter, payments: payments, orders: orders}
}

// Initiate validates the request, prices the cart on the server, consumes the
// checkout token and opens a payment session with provider. A pending order
// is stored under the provider reference so later events and callbacks can
// find it.
func (s *Service) Initiate(ctx context.Context, provider payment.Provider, req Request) (*Result, error) {
	adapter, err := s.payments.Get(provider)
	if err != nil {
		return nil, err
	}
	locale, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	quote, err := s.quoter.Quote(ctx, pricing.QuoteRequest{
		Lines:        req.Lines,
		DiscountCode: req.DiscountCode,
		ShippingCost: req.ShippingCost,
	})
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Validate(ctx, req.Token); err != nil {
		return nil, err
	}

	oc := orderContext(quote, req, locale)
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	session, err := adapter.Initiate(ctx, payment.Initiation{
		IdempotencyKey: uuid.NewString(),
		Order:          oc,
		SuccessURL:     fmt.Sprintf("%s/%s/checkout/success", base, locale),
		CancelURL:      fmt.Sprintf("%s/%s/checkout?error=payment_cancelled", base, locale),
		ReturnURL:      fmt.Sprintf("%s/api/vipps/callback?locale=%s", base, url.QueryEscape(locale)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "initiate %s payment", provider)
	}

	o := order.New(provider, session.Reference, &oc)
	if err := s.orders.CreatePending(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create pending order")
	}

	zctx.From(ctx).Info("Checkout initiated",
		zap.String("provider", string(provider)),
		zap.String("reference", session.Reference),
		zap.String("order_number", o.Number),
		zap.Int64("total", quote.Total),
	)
	return &Result{
		Provider:    provider,
		Reference:   session.Reference,
		RedirectURL: session.RedirectURL,
		OrderNumber: o.Number,
		Total:       quote.Total,
	}, nil
}

func (s *Service) validate(req *Request) (string, error) {
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)

	if req.Customer.Email == "" {
		return "", &ValidationError{Field: "customerEmail", Reason: "required"}
	}
	if addr, err := mail.ParseAddress(req.Customer.Email); err != nil || addr.Address != req.Customer.Email {
		return "", &ValidationError{Field: "customerEmail", Reason: "invalid"}
	}
	if req.Customer.Name == "" {
		return "", &ValidationError{Field: "customerName", Reason: "required"}
	}
	if req.ShippingCost == nil {
		return "", &ValidationError{Field: "shippingCost", Reason: "required"}
	}
	for _, f := range []struct{ name, value string }{
		{"shippingAddress.line1", req.Address.Line1},
		{"shippingAddress.postalCode", req.Address.PostalCode},
		{"shippingAddress.city", req.Address.City},
		{"shippingAddress.country", req.Address.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			return "", &ValidationError{Field: f.name, Reason: "required"}
		}
	}

	locale := req.Locale
	if locale == "" {
		locale = s.cfg.DefaultLocale
	}
	for _, l := range s.cfg.Locales {
		if l == locale {
			return locale, nil
		}
	}
	return "", &ValidationError{Field: "locale", Reason: "unsupported"}
}

func orderContext(q *pricing.Quote, req Request, locale string) payment.OrderContext {
	items := make([]payment.Item, len(q.Items))
	for i, it := range q.Items {
		items[i] = payment.Item{
			ProductID: it.ProductID,
			Title:     it.Title,
			Kind:      string(it.Kind),
			ImageRef:  it.ImageRef,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}
	return payment.OrderContext{
		Customer:       req.Customer,
		Address:        req.Address,
		Locale:         locale,
		Items:          items,
		Subtotal:       q.Subtotal,
		DiscountCode:   q.DiscountCode,
		DiscountAmount: q.DiscountAmount,
		ShippingCost:   q.ShippingCost,
		ArtistLevy:     q.ArtistLevy,
		Total:          q.Total,
	}
}
