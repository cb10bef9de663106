// Package payment abstracts payment providers with different lifecycles
// behind a single adapter interface.
package payment

import (
	"context"

	"github.com/go-faster/errors"
)

var (
	// ErrInvalidSignature is returned when a provider notification fails
	// signature verification. Nothing in the payload may be used.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrIgnoredEvent is returned for well-formed notifications the system
	// does not act on.
	ErrIgnoredEvent = errors.New("ignored event")
	// ErrUnsupported is returned when a provider has no such operation.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrUnknownProvider is returned for an unregistered provider name.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// Provider identifies a payment provider.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderVipps  Provider = "vipps"
)

// Outcome is the normalized provider payment state.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeAuthorized Outcome = "authorized"
	OutcomeCaptured   Outcome = "captured"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeExpired    Outcome = "expired"
)

// Completed reports whether money was reserved or taken.
func (o Outcome) Completed() bool {
	return o == OutcomeAuthorized || o == OutcomeCaptured
}

// Customer is the buyer contact.
type Customer struct {
	Email string
	Name  string
	Phone string
}

// Address is a shipping address.
type Address struct {
	Line1      string
	Line2      string
	PostalCode string
	City       string
	Country    string
}

// Item is a line with its trusted price.
type Item struct {
	ProductID string
	Title     string
	Kind      string
	ImageRef  string
	Quantity  int
	UnitPrice int64
}

// OrderContext carries everything needed to materialize an order once
// payment completes. It is either embedded in provider metadata or stored
// with a pending order.
type OrderContext struct {
	Customer       Customer
	Address        Address
	Locale         string
	Items          []Item
	Subtotal       int64
	DiscountCode   string
	DiscountAmount int64
	ShippingCost   int64
	ArtistLevy     int64
	Total          int64
}

// Initiation is the input of Adapter.Initiate.
type Initiation struct {
	// IdempotencyKey is stable for a single checkout attempt.
	IdempotencyKey string
	Order          OrderContext
	SuccessURL     string
	CancelURL      string
	// ReturnURL is where the provider sends the browser back for
	// redirect-style flows.
	ReturnURL string
}

// Session is the result of initiation.
type Session struct {
	Reference   string
	RedirectURL string
}

// RawEvent is an unverified provider notification.
type RawEvent struct {
	Payload   []byte
	Signature string
	// Reference is set for redirect callbacks, where the provider status
	// API is queried for the authoritative state.
	Reference string
}

// Event is a verified, normalized payment event.
type Event struct {
	Provider          Provider
	Reference         string
	ProviderPaymentID string
	Outcome           Outcome
	Amount            int64
	// Order is set when the provider carries the order context itself.
	Order *OrderContext
}

// Adapter is implemented by every payment provider.
type Adapter interface {
	Provider() Provider
	Initiate(ctx context.Context, in Initiation) (*Session, error)
	ParseEvent(ctx context.Context, raw RawEvent) (*Event, error)
	Capture(ctx context.Context, reference string, amount int64) error
	Cancel(ctx context.Context, reference string) error
	Refund(ctx context.Context, reference string, amount int64) error
}

// Registry looks adapters up by provider.
type Registry map[Provider]Adapter

// NewRegistry builds a registry from adapters.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r Registry) Get(p Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "%q", p)
	}
	return a, nil
}
