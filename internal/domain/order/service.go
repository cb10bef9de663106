package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/payment"
)

// Service implements admin-driven order lifecycle operations.
type Service struct {
	store    Store
	payments payment.Registry
	notifier Notifier
	events   EventPublisher
	now      func() time.Time
}

// NewService creates an order Service.
func NewService(store Store, payments payment.Registry, notifier Notifier, events EventPublisher) *Service {
	return &Service{
		store:    store,
		payments: payments,
		notifier: notifier,
		events:   events,
		now:      time.Now,
	}
}

// PaymentAction performs capture, cancel or refund for the order paid with
// reference. The transition is validated before the provider is called.
// A zero amount means the full order total.
func (s *Service) PaymentAction(ctx context.Context, reference string, action Action, amount int64) (*Order, error) {
	o, err := s.store.FindByReference(ctx, reference)
	if err != nil {
		return nil, errors.Wrap(err, "find order by reference")
	}
	ch, err := Transition(o, action)
	if err != nil {
		return nil, err
	}
	adapter, err := s.payments.Get(o.Provider)
	if err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(
		zap.String("reference", reference),
		zap.String("order_number", o.Number),
		zap.String("action", string(action)),
	)

	var event EventType
	switch action {
	case ActionCapture:
		if amount == 0 {
			amount = o.Total
		}
		if amount < 0 || amount > o.Total {
			return nil, errors.Wrapf(ErrInvalidAmount, "capture %d of %d", amount, o.Total)
		}
		if err := adapter.Capture(ctx, reference, amount); err != nil {
			return nil, errors.Wrap(err, "provider capture")
		}
		ch.CapturedAmount = &amount
		event = EventCaptured
	case ActionCancel:
		if err := adapter.Cancel(ctx, reference); err != nil {
			return nil, errors.Wrap(err, "provider cancel")
		}
		event = EventCancelled
	case ActionRefund:
		captured := o.CapturedAmount
		if captured == 0 {
			captured = o.Total
		}
		if amount == 0 {
			amount = captured - o.RefundedAmount
		}
		if amount <= 0 || o.RefundedAmount+amount > captured {
			return nil, errors.Wrapf(ErrInvalidAmount, "refund %d of %d captured", amount, captured)
		}
		if err := adapter.Refund(ctx, reference, amount); err != nil {
			return nil, errors.Wrap(err, "provider refund")
		}
		refunded := o.RefundedAmount + amount
		ch.RefundedAmount = &refunded
		if refunded < captured {
			// Partial: the order stays open for further refunds.
			ch.ToPayment, ch.ToStatus = ch.FromPayment, ch.FromStatus
		}
		event = EventRefunded
	}

	if err := s.store.Apply(ctx, o.ID, ch); err != nil {
		// The provider already accepted the operation.
		lg.Error("Provider operation succeeded but order update failed", zap.Error(err))
		return nil, errors.Wrap(err, "update order")
	}
	ch.apply(o)
	lg.Info("Payment action applied", zap.String("payment_status", string(o.PaymentStatus)))

	var nerr error
	switch action {
	case ActionCancel:
		nerr = s.notifier.OrderCancelled(ctx, o)
	case ActionRefund:
		nerr = s.notifier.OrderRefunded(ctx, o)
	}
	if nerr != nil {
		lg.Error("Queue order emails", zap.Error(nerr))
	}
	s.publish(ctx, event, o)

	return o, nil
}

// Ship marks the order as shipped and queues the shipping notification.
func (s *Service) Ship(ctx context.Context, id string, tracking Tracking) (*Order, error) {
	o, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	ch, err := Transition(o, ActionShip)
	if err != nil {
		return nil, err
	}
	ch.Tracking = &tracking
	if err := s.store.Apply(ctx, o.ID, ch); err != nil {
		return nil, errors.Wrap(err, "update order")
	}
	ch.apply(o)

	if err := s.notifier.OrderShipped(ctx, o); err != nil {
		zctx.From(ctx).Error("Queue shipping email", zap.String("order_id", o.ID), zap.Error(err))
	}
	s.publish(ctx, EventShipped, o)
	return o, nil
}

// ConfirmDeliveries marks orders shipped more than after ago as delivered
// and returns how many were updated.
func (s *Service) ConfirmDeliveries(ctx context.Context, after time.Duration, limit int) (int, error) {
	orders, err := s.store.ListShippedBefore(ctx, s.now().Add(-after), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list shipped orders")
	}

	lg := zctx.From(ctx)
	delivered := 0
	for i := range orders {
		o := &orders[i]
		ch, err := Transition(o, ActionDeliver)
		if err != nil {
			continue
		}
		if err := s.store.Apply(ctx, o.ID, ch); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return delivered, errors.Wrapf(err, "deliver %s", o.ID)
		}
		ch.apply(o)
		delivered++
		s.publish(ctx, EventDelivered, o)
	}
	if delivered > 0 {
		lg.Info("Deliveries confirmed", zap.Int("count", delivered))
	}
	return delivered, nil
}

func (s *Service) publish(ctx context.Context, t EventType, o *Order) {
	if err := s.events.Publish(ctx, NewEvent(t, o, s.now())); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("type", string(t)),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}
