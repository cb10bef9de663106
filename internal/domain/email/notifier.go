package email

import (
	"context"

	"go.uber.org/multierr"

	"github.com/popkunst/storefront/internal/domain/order"
)

var _ order.Notifier = (*OrderNotifier)(nil)

// Enqueuer queues emails.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Type, recipient, relatedEntity string, payload *Payload) (string, error)
}

// OrderNotifier turns order lifecycle changes into queued emails.
type OrderNotifier struct {
	queue      Enqueuer
	adminEmail string
	adminURL   string
}

// NewOrderNotifier creates an OrderNotifier. Admin emails are skipped when
// adminEmail is empty.
func NewOrderNotifier(queue Enqueuer, adminEmail, adminURL string) *OrderNotifier {
	return &OrderNotifier{queue: queue, adminEmail: adminEmail, adminURL: adminURL}
}

func (n *OrderNotifier) OrderPaid(ctx context.Context, o *order.Order) error {
	p := payloadFor(o)
	err := n.enqueue(ctx, TypeOrderConfirmation, o.Customer.Email, o, p)

	if n.adminEmail != "" {
		admin := *p
		admin.AdminURL = n.adminURL
		err = multierr.Append(err, n.enqueue(ctx, TypeAdminNewOrder, n.adminEmail, o, &admin))
		if len(o.InventoryWarnings) > 0 {
			err = multierr.Append(err, n.enqueue(ctx, TypeInventoryAlert, n.adminEmail, o, &admin))
		}
	}
	return err
}

func (n *OrderNotifier) OrderShipped(ctx context.Context, o *order.Order) error {
	return n.enqueue(ctx, TypeShippingNotification, o.Customer.Email, o, payloadFor(o))
}

func (n *OrderNotifier) OrderRefunded(ctx context.Context, o *order.Order) error {
	return n.enqueue(ctx, TypeRefundConfirmation, o.Customer.Email, o, payloadFor(o))
}

func (n *OrderNotifier) OrderCancelled(ctx context.Context, o *order.Order) error {
	return n.enqueue(ctx, TypeOrderCancelled, o.Customer.Email, o, payloadFor(o))
}

func (n *OrderNotifier) enqueue(ctx context.Context, t Type, to string, o *order.Order, p *Payload) error {
	_, err := n.queue.Enqueue(ctx, t, to, "order:"+o.ID, p)
	return err
}

func payloadFor(o *order.Order) *Payload {
	p := &Payload{
		OrderNumber:  o.Number,
		CustomerName: o.Customer.Name,
		Locale:       o.Locale,
		Items:        make([]PayloadItem, len(o.Items)),
		Subtotal:     o.Subtotal,
		Discount:     o.DiscountAmount,
		Shipping:     o.ShippingCost,
		ArtistLevy:   o.ArtistLevy,
		Total:        o.Total,
		Refunded:     o.RefundedAmount,
		Warnings:     o.InventoryWarnings,
	}
	for i, it := range o.Items {
		p.Items[i] = PayloadItem{Title: it.Title, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	if o.Tracking != nil {
		p.Carrier = o.Tracking.Carrier
		p.TrackingNo = o.Tracking.Number
		p.TrackingURL = o.Tracking.URL
	}
	return p
}
