package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/popkunst/storefront/internal/domain/inventory"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/product"
)

var (
	// ErrNotFound is returned when no order matches the lookup.
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned when a compare-and-set status update lost a race.
	ErrConflict = errors.New("order changed concurrently")
	// ErrAtomicUnavailable is returned by Store.InTx when a transaction cannot
	// be started. Callers may fall back to sequential effects.
	ErrAtomicUnavailable = errors.New("atomic transaction unavailable")
	// ErrInvalidAmount is returned for capture or refund amounts outside the
	// order's bounds.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Currency of all order amounts.
const Currency = "NOK"

// PaymentStatus is the provider-side money state of an order.
type PaymentStatus string

const (
	PaymentPending             PaymentStatus = "pending"
	PaymentAuthorized          PaymentStatus = "authorized"
	PaymentCaptured            PaymentStatus = "captured"
	PaymentCancelled           PaymentStatus = "cancelled"
	PaymentRefunded            PaymentStatus = "refunded"
	PaymentFailed              PaymentStatus = "failed"
	PaymentPendingVerification PaymentStatus = "pending_verification"
)

// Claimable reports whether a payment event may still materialize the order.
func (s PaymentStatus) Claimable() bool {
	return s == PaymentPending || s == PaymentPendingVerification
}

// Promising reports whether money is reserved or taken, or the outcome is
// still being verified with the provider.
func (s PaymentStatus) Promising() bool {
	switch s {
	case PaymentPendingVerification, PaymentAuthorized, PaymentCaptured:
		return true
	default:
		return false
	}
}

// Status is the fulfillment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// Item is an immutable price and quantity snapshot.
type Item struct {
	ProductID string
	Title     string
	Kind      product.Kind
	ImageRef  string
	Quantity  int
	UnitPrice int64
}

// Tracking holds shipment tracking details.
type Tracking struct {
	Carrier string
	Number  string
	URL     string
}

// Order is the durable record of a paid checkout.
type Order struct {
	ID                string
	Number            string
	Customer          payment.Customer
	Address           payment.Address
	Locale            string
	Items             []Item
	Subtotal          int64
	DiscountCode      string
	DiscountAmount    int64
	ShippingCost      int64
	ArtistLevy        int64
	Total             int64
	Currency          string
	Provider          payment.Provider
	Reference         string
	ProviderPaymentID string
	PaymentStatus     PaymentStatus
	Status            Status
	CapturedAmount    int64
	RefundedAmount    int64
	Tracking          *Tracking
	InventoryWarnings []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
}

// New builds a pending order from checkout context.
func New(provider payment.Provider, reference string, oc *payment.OrderContext) *Order {
	items := make([]Item, len(oc.Items))
	for i, it := range oc.Items {
		items[i] = Item{
			ProductID: it.ProductID,
			Title:     it.Title,
			Kind:      product.Kind(it.Kind),
			ImageRef:  it.ImageRef,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}
	return &Order{
		ID:             uuid.NewString(),
		Number:         NewNumber(time.Now()),
		Customer:       oc.Customer,
		Address:        oc.Address,
		Locale:         oc.Locale,
		Items:          items,
		Subtotal:       oc.Subtotal,
		DiscountCode:   oc.DiscountCode,
		DiscountAmount: oc.DiscountAmount,
		ShippingCost:   oc.ShippingCost,
		ArtistLevy:     oc.ArtistLevy,
		Total:          oc.Total,
		Currency:       Currency,
		Provider:       provider,
		Reference:      reference,
		PaymentStatus:  PaymentPending,
		Status:         StatusPending,
	}
}

// NewNumber returns a human-friendly order number such as PK-260310-3F9A1C.
func NewNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("PK-%s-%s", now.UTC().Format("060102"), suffix)
}

// Effects are the state changes a reconciliation applies. Within Store.InTx
// they share one transaction.
type Effects interface {
	inventory.Ledger

	// ClaimOrder inserts o, or promotes an existing claimable order with the
	// same reference to o's payment status. It reports false when the
	// reference was already materialized. On success o.ID and o.Number hold
	// the stored values.
	ClaimOrder(ctx context.Context, o *Order) (bool, error)
	// ConsumeDiscount decrements the remaining uses of code, never below
	// zero. It reports false when no use was left.
	ConsumeDiscount(ctx context.Context, code string) (bool, error)
	// SetWarnings records inventory warnings on the order.
	SetWarnings(ctx context.Context, orderID string, warnings []string) error
}

// Change is a compare-and-set status update. FromRefunded is compared along
// with the statuses so that concurrent partial refunds conflict.
type Change struct {
	Action       Action
	FromPayment  PaymentStatus
	FromStatus   Status
	FromRefunded int64
	ToPayment    PaymentStatus
	ToStatus     Status

	CapturedAmount *int64
	RefundedAmount *int64
	Tracking       *Tracking
}

// Store persists orders.
type Store interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	FindByReference(ctx context.Context, reference string) (*Order, error)
	// CreatePending stores an order before payment completes.
	CreatePending(ctx context.Context, o *Order) error
	// Apply performs ch only if the order still has the expected statuses,
	// otherwise it returns ErrConflict.
	Apply(ctx context.Context, id string, ch Change) error
	ListByPaymentStatus(ctx context.Context, status PaymentStatus, limit int) ([]Order, error)
	ListShippedBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)

	// InTx runs fn with transactional effects. It returns
	// ErrAtomicUnavailable if no transaction could be opened.
	InTx(ctx context.Context, fn func(fx Effects) error) error
	// Effects returns non-transactional effects for the sequential fallback.
	Effects() Effects
}

// Notifier queues customer and admin notifications.
type Notifier interface {
	OrderPaid(ctx context.Context, o *Order) error
	OrderShipped(ctx context.Context, o *Order) error
	OrderRefunded(ctx context.Context, o *Order) error
	OrderCancelled(ctx context.Context, o *Order) error
}

// EventType names an order lifecycle event.
type EventType string

const (
	EventPaid      EventType = "order.paid"
	EventCaptured  EventType = "order.captured"
	EventCancelled EventType = "order.cancelled"
	EventRefunded  EventType = "order.refunded"
	EventShipped   EventType = "order.shipped"
	EventDelivered EventType = "order.delivered"
)

// Event is an order lifecycle notification for downstream consumers.
type Event struct {
	Type          EventType     `json:"type"`
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	Reference     string        `json:"payment_reference"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Status        Status        `json:"status"`
	Total         int64         `json:"total"`
	Currency      string        `json:"currency"`
	At            time.Time     `json:"at"`
}

// NewEvent snapshots o.
func NewEvent(t EventType, o *Order, at time.Time) Event {
	return Event{
		Type:          t,
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Reference:     o.Reference,
		PaymentStatus: o.PaymentStatus,
		Status:        o.Status,
		Total:         o.Total,
		Currency:      o.Currency,
		At:            at,
	}
}

// EventPublisher delivers lifecycle events. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
