package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/inventory"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/product"
)

// ReconcileResult is the outcome of materializing a payment event.
type ReconcileResult struct {
	OrderID           string
	OrderNumber       string
	IsDuplicate       bool
	InventoryWarnings []string
	// Degraded is set when effects were applied without a transaction.
	Degraded bool
}

// Reconciler turns completed payment events into orders exactly once.
type Reconciler struct {
	store    Store
	notifier Notifier
	events   EventPublisher
	now      func() time.Time

	tracer     trace.Tracer
	reconciled metric.Int64Counter
	duplicates metric.Int64Counter
	warnings   metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	store Store,
	notifier Notifier,
	events EventPublisher,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
) (*Reconciler, error) {
	meter := mp.Meter("storefront/order")
	r := &Reconciler{
		store:    store,
		notifier: notifier,
		events:   events,
		now:      time.Now,
		tracer:   tp.Tracer("storefront/order"),
	}

	var err error
	if r.reconciled, err = meter.Int64Counter("orders.reconciled",
		metric.WithDescription("Orders materialized from payment events"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.reconciled")
	}
	if r.duplicates, err = meter.Int64Counter("orders.duplicate_events",
		metric.WithDescription("Payment events for already materialized orders"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.duplicate_events")
	}
	if r.warnings, err = meter.Int64Counter("orders.inventory_warnings",
		metric.WithDescription("Order lines whose stock could not be decremented"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.inventory_warnings")
	}
	if r.fallbacks, err = meter.Int64Counter("orders.sequential_fallbacks",
		metric.WithDescription("Reconciliations applied without a transaction"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.sequential_fallbacks")
	}
	return r, nil
}

// Handle dispatches a verified payment event by outcome. The result is nil
// unless the event completed a payment.
func (r *Reconciler) Handle(ctx context.Context, ev *payment.Event) (*ReconcileResult, error) {
	lg := zctx.From(ctx).With(
		zap.String("provider", string(ev.Provider)),
		zap.String("reference", ev.Reference),
		zap.String("outcome", string(ev.Outcome)),
	)

	switch ev.Outcome {
	case payment.OutcomeAuthorized, payment.OutcomeCaptured:
		return r.Reconcile(ctx, ev)
	case payment.OutcomeCancelled, payment.OutcomeExpired:
		return nil, r.Cancel(ctx, ev.Reference)
	case payment.OutcomeFailed:
		lg.Warn("Payment failed")
		return nil, nil
	default:
		lg.Debug("Payment not completed yet")
		return nil, nil
	}
}

// Reconcile materializes the order for a completed payment event. Repeated
// deliveries of the same reference return IsDuplicate with no effects.
func (r *Reconciler) Reconcile(ctx context.Context, ev *payment.Event) (_ *ReconcileResult, rerr error) {
	ctx, span := r.tracer.Start(ctx, "order.Reconcile", trace.WithAttributes(
		attribute.String("payment.provider", string(ev.Provider)),
		attribute.String("payment.reference", ev.Reference),
		attribute.String("payment.outcome", string(ev.Outcome)),
	))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if !ev.Outcome.Completed() {
		return nil, errors.Errorf("reconcile %s event", ev.Outcome)
	}

	o, err := r.orderFor(ctx, ev)
	if err != nil {
		return nil, err
	}
	lg := zctx.From(ctx).With(
		zap.String("reference", ev.Reference),
		zap.String("order_number", o.Number),
	)

	var warnings []string
	if ev.Amount != 0 && ev.Amount != o.Total {
		lg.Warn("Payment amount differs from order total",
			zap.Int64("amount", ev.Amount),
			zap.Int64("total", o.Total),
		)
		warnings = append(warnings, fmt.Sprintf("payment amount %d differs from order total %d", ev.Amount, o.Total))
	}

	res, err := r.applyAtomic(ctx, o, warnings)
	if errors.Is(err, ErrAtomicUnavailable) {
		lg.Warn("Transaction unavailable, applying effects sequentially", zap.Error(err))
		r.fallbacks.Add(ctx, 1)
		res, err = r.applySequential(ctx, o, warnings)
	}
	if err != nil {
		return nil, errors.Wrap(err, "apply order effects")
	}
	span.SetAttributes(attribute.Bool("order.duplicate", res.IsDuplicate))

	if res.IsDuplicate {
		lg.Info("Duplicate payment event")
		r.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(ev.Provider))))
		return res, nil
	}

	r.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(ev.Provider))))
	if n := len(res.InventoryWarnings); n > 0 {
		r.warnings.Add(ctx, int64(n))
		lg.Warn("Order materialized with inventory warnings", zap.Strings("warnings", res.InventoryWarnings))
	}
	lg.Info("Order materialized", zap.String("order_id", res.OrderID), zap.Bool("degraded", res.Degraded))

	o.InventoryWarnings = res.InventoryWarnings
	if err := r.notifier.OrderPaid(ctx, o); err != nil {
		lg.Error("Queue order emails", zap.Error(err))
	}
	r.publish(ctx, EventPaid, o)

	return res, nil
}

// orderFor returns the order an event materializes: built from the context
// carried by the provider, or the pending order created at initiation.
func (r *Reconciler) orderFor(ctx context.Context, ev *payment.Event) (*Order, error) {
	var o *Order
	if ev.Order != nil {
		o = New(ev.Provider, ev.Reference, ev.Order)
	} else {
		existing, err := r.store.FindByReference(ctx, ev.Reference)
		if err != nil {
			return nil, errors.Wrap(err, "find order by reference")
		}
		o = existing
	}

	o.ProviderPaymentID = ev.ProviderPaymentID
	o.Status = StatusPaid
	switch ev.Outcome {
	case payment.OutcomeCaptured:
		o.PaymentStatus = PaymentCaptured
		o.CapturedAmount = o.Total
	default:
		o.PaymentStatus = PaymentAuthorized
	}
	return o, nil
}

func (r *Reconciler) applyAtomic(ctx context.Context, o *Order, warnings []string) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	err := r.store.InTx(ctx, func(fx Effects) error {
		// Reset on retry of fn.
		*res = ReconcileResult{}

		claimed, err := fx.ClaimOrder(ctx, o)
		if err != nil {
			return errors.Wrap(err, "claim order")
		}
		res.OrderID, res.OrderNumber = o.ID, o.Number
		if !claimed {
			res.IsDuplicate = true
			return nil
		}

		if o.DiscountCode != "" {
			ok, err := fx.ConsumeDiscount(ctx, o.DiscountCode)
			if err != nil {
				return errors.Wrap(err, "consume discount")
			}
			if !ok {
				zctx.From(ctx).Warn("Discount code had no uses left", zap.String("code", o.DiscountCode))
			}
		}

		res.InventoryWarnings = append([]string(nil), warnings...)
		for _, it := range o.Items {
			w, err := decrement(ctx, fx, it)
			if err != nil {
				return err
			}
			if w != "" {
				res.InventoryWarnings = append(res.InventoryWarnings, w)
			}
		}

		if len(res.InventoryWarnings) > 0 {
			if err := fx.SetWarnings(ctx, o.ID, res.InventoryWarnings); err != nil {
				return errors.Wrap(err, "set warnings")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// applySequential applies the same effects one by one. Only the claim is
// still atomic, so the guarantee against double materialization holds but a
// crash between steps can leave discount or stock untouched.
func (r *Reconciler) applySequential(ctx context.Context, o *Order, warnings []string) (*ReconcileResult, error) {
	lg := zctx.From(ctx).With(zap.String("reference", o.Reference))
	fx := r.store.Effects()
	res := &ReconcileResult{Degraded: true}

	existing, err := r.store.FindByReference(ctx, o.Reference)
	switch {
	case err == nil && !existing.PaymentStatus.Claimable():
		res.OrderID, res.OrderNumber = existing.ID, existing.Number
		res.IsDuplicate = true
		return res, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "find order by reference")
	}

	claimed, err := fx.ClaimOrder(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "claim order")
	}
	res.OrderID, res.OrderNumber = o.ID, o.Number
	if !claimed {
		res.IsDuplicate = true
		return res, nil
	}

	res.InventoryWarnings = append([]string(nil), warnings...)
	if o.DiscountCode != "" {
		if ok, err := fx.ConsumeDiscount(ctx, o.DiscountCode); err != nil {
			lg.Error("Partial failure: consume discount", zap.String("code", o.DiscountCode), zap.Error(err))
			res.InventoryWarnings = append(res.InventoryWarnings, fmt.Sprintf("discount %s not decremented", o.DiscountCode))
		} else if !ok {
			lg.Warn("Discount code had no uses left", zap.String("code", o.DiscountCode))
		}
	}

	for _, it := range o.Items {
		w, err := decrement(ctx, fx, it)
		if err != nil {
			lg.Error("Partial failure: decrement stock", zap.String("product_id", it.ProductID), zap.Error(err))
			w = fmt.Sprintf("%s: stock not decremented", it.ProductID)
		}
		if w != "" {
			res.InventoryWarnings = append(res.InventoryWarnings, w)
		}
	}

	if len(res.InventoryWarnings) > 0 {
		if err := fx.SetWarnings(ctx, o.ID, res.InventoryWarnings); err != nil {
			lg.Error("Partial failure: set warnings", zap.Error(err))
		}
	}
	return res, nil
}

// decrement takes it from stock. Sold-out and missing products produce a
// warning: the money has already moved, so the order still stands.
func decrement(ctx context.Context, l inventory.Ledger, it Item) (string, error) {
	res, err := l.Decrement(ctx, it.ProductID, it.Quantity)
	switch {
	case errors.Is(err, inventory.ErrUnavailable):
		return fmt.Sprintf("%s: unavailable, requested %d", it.ProductID, it.Quantity), nil
	case errors.Is(err, product.ErrNotFound):
		return fmt.Sprintf("%s: product not found", it.ProductID), nil
	case err != nil:
		return "", errors.Wrapf(err, "decrement %s", it.ProductID)
	case res.Shortfall > 0:
		return fmt.Sprintf("%s: short by %d of %d", it.ProductID, res.Shortfall, it.Quantity), nil
	}
	return "", nil
}

// Cancel closes the pending order for reference after the payment was
// abandoned. Missing and already settled orders are left alone.
func (r *Reconciler) Cancel(ctx context.Context, reference string) error {
	lg := zctx.From(ctx).With(zap.String("reference", reference))

	o, err := r.store.FindByReference(ctx, reference)
	if errors.Is(err, ErrNotFound) {
		lg.Debug("No order for abandoned payment")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find order by reference")
	}

	ch, err := Transition(o, ActionVoid)
	if err != nil {
		lg.Info("Order not cancellable, ignoring abandoned payment", zap.String("payment_status", string(o.PaymentStatus)))
		return nil
	}
	if err := r.store.Apply(ctx, o.ID, ch); err != nil {
		return errors.Wrap(err, "cancel order")
	}
	ch.apply(o)
	lg.Info("Pending order cancelled", zap.String("order_number", o.Number))
	r.publish(ctx, EventCancelled, o)
	return nil
}

// MarkPendingVerification flags a pending order whose payment state could
// not be confirmed, so that VerifyPending picks it up. Orders already held
// or paid are left as they are.
func (r *Reconciler) MarkPendingVerification(ctx context.Context, reference string) error {
	o, err := r.store.FindByReference(ctx, reference)
	if err != nil {
		return errors.Wrap(err, "find order by reference")
	}
	if o.PaymentStatus.Promising() {
		return nil
	}
	ch, err := Transition(o, ActionHold)
	if err != nil {
		return err
	}
	if err := r.store.Apply(ctx, o.ID, ch); err != nil {
		return errors.Wrap(err, "mark pending verification")
	}
	zctx.From(ctx).Warn("Order marked pending verification",
		zap.String("reference", reference),
		zap.String("order_number", o.Number),
	)
	return nil
}

// VerifyPending re-queries the provider for orders in pending_verification
// and applies the authoritative outcome. It returns the number of orders
// checked.
func (r *Reconciler) VerifyPending(ctx context.Context, payments payment.Registry, limit int) (int, error) {
	orders, err := r.store.ListByPaymentStatus(ctx, PaymentPendingVerification, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list unverified orders")
	}

	lg := zctx.From(ctx)
	checked := 0
	for i := range orders {
		o := &orders[i]
		adapter, err := payments.Get(o.Provider)
		if err != nil {
			lg.Error("Verify payment", zap.String("reference", o.Reference), zap.Error(err))
			continue
		}
		ev, err := adapter.ParseEvent(ctx, payment.RawEvent{Reference: o.Reference})
		if err != nil {
			lg.Warn("Payment status still unavailable", zap.String("reference", o.Reference), zap.Error(err))
			continue
		}
		checked++
		if _, err := r.Handle(ctx, ev); err != nil {
			lg.Error("Apply verified payment", zap.String("reference", o.Reference), zap.Error(err))
		}
	}
	return checked, nil
}

func (r *Reconciler) publish(ctx context.Context, t EventType, o *Order) {
	if err := r.events.Publish(ctx, NewEvent(t, o, r.now())); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("type", string(t)),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}
