package order

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popkunst/storefront/internal/domain/payment"
)

// --- Helpers ---

func newTestService(store *memStore, adapters ...payment.Adapter) (*Service, *mockNotifier, *mockPublisher) {
	n, p := &mockNotifier{}, &mockPublisher{}
	return NewService(store, payment.NewRegistry(adapters...), n, p), n, p
}

// authorizedOrder stores a Vipps order that has been reserved but not captured.
func authorizedOrder(t *testing.T, store *memStore, ref string) *Order {
	t.Helper()
	o := New(payment.ProviderVipps, ref, orderContext(originalItem("orig-1", 150000)))
	o.PaymentStatus = PaymentAuthorized
	o.Status = StatusPaid
	require.NoError(t, store.CreatePending(context.Background(), o))
	return o
}

// --- Tests ---

func TestService_ReserveCaptureRefund(t *testing.T) {
	store := newMemStore()
	adapter := &mockAdapter{provider: payment.ProviderVipps}
	s, n, p := newTestService(store, adapter)
	authorizedOrder(t, store, "vipps-1")
	ctx := context.Background()

	o, err := s.PaymentAction(ctx, "vipps-1", ActionCapture, 0)
	require.NoError(t, err)
	assert.Equal(t, PaymentCaptured, o.PaymentStatus)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.Equal(t, int64(159900), o.CapturedAmount)

	o, err = s.PaymentAction(ctx, "vipps-1", ActionRefund, 0)
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, StatusRefunded, o.Status)
	assert.Equal(t, int64(159900), o.RefundedAmount)

	stored, _ := store.order("vipps-1")
	assert.Equal(t, StatusRefunded, stored.Status)
	assert.Equal(t, []string{"capture:vipps-1", "refund:vipps-1"}, adapter.calls)
	assert.Len(t, n.refunded, 1)
	assert.Equal(t, []EventType{EventCaptured, EventRefunded}, p.types())
}

func TestService_PartialRefunds(t *testing.T) {
	store := newMemStore()
	adapter := &mockAdapter{provider: payment.ProviderVipps}
	s, n, _ := newTestService(store, adapter)
	authorizedOrder(t, store, "vipps-1")
	ctx := context.Background()

	_, err := s.PaymentAction(ctx, "vipps-1", ActionCapture, 0)
	require.NoError(t, err)

	o, err := s.PaymentAction(ctx, "vipps-1", ActionRefund, 50000)
	require.NoError(t, err)
	assert.Equal(t, PaymentCaptured, o.PaymentStatus)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.Equal(t, int64(50000), o.RefundedAmount)

	stale, _ := store.order("vipps-1")

	o, err = s.PaymentAction(ctx, "vipps-1", ActionRefund, 60000)
	require.NoError(t, err)
	assert.Equal(t, PaymentCaptured, o.PaymentStatus)
	assert.Equal(t, int64(110000), o.RefundedAmount)

	// A refund computed from an outdated amount loses the race.
	ch, err := Transition(&stale, ActionRefund)
	require.NoError(t, err)
	require.ErrorIs(t, store.Apply(ctx, stale.ID, ch), ErrConflict)

	_, err = s.PaymentAction(ctx, "vipps-1", ActionRefund, 60000)
	require.ErrorIs(t, err, ErrInvalidAmount)

	o, err = s.PaymentAction(ctx, "vipps-1", ActionRefund, 0)
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, StatusRefunded, o.Status)
	assert.Equal(t, int64(159900), o.RefundedAmount)

	_, err = s.PaymentAction(ctx, "vipps-1", ActionRefund, 1)
	var tErr *TransitionError
	require.ErrorAs(t, err, &tErr)

	assert.Equal(t, []string{"capture:vipps-1", "refund:vipps-1", "refund:vipps-1", "refund:vipps-1"}, adapter.calls)
	assert.Len(t, n.refunded, 3)
}

func TestService_PaymentAction_IllegalTransition(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(o *Order)
		action Action
	}{
		{"refund authorized", func(*Order) {}, ActionRefund},
		{"capture captured", func(o *Order) { o.PaymentStatus, o.Status = PaymentCaptured, StatusProcessing }, ActionCapture},
		{"cancel captured", func(o *Order) { o.PaymentStatus, o.Status = PaymentCaptured, StatusProcessing }, ActionCancel},
		{"capture pending", func(o *Order) { o.PaymentStatus, o.Status = PaymentPending, StatusPending }, ActionCapture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			adapter := &mockAdapter{provider: payment.ProviderVipps}
			s, _, _ := newTestService(store, adapter)

			o := New(payment.ProviderVipps, "ref", orderContext(originalItem("orig-1", 150000)))
			o.PaymentStatus, o.Status = PaymentAuthorized, StatusPaid
			tt.setup(o)
			require.NoError(t, store.CreatePending(context.Background(), o))

			_, err := s.PaymentAction(context.Background(), "ref", tt.action, 0)
			var tErr *TransitionError
			require.ErrorAs(t, err, &tErr)
			assert.Empty(t, adapter.calls, "provider must not be called")

			stored, _ := store.order("ref")
			assert.Equal(t, o.PaymentStatus, stored.PaymentStatus)
			assert.Equal(t, o.Status, stored.Status)
		})
	}
}

func TestService_PaymentAction_Cancel(t *testing.T) {
	store := newMemStore()
	adapter := &mockAdapter{provider: payment.ProviderVipps}
	s, n, _ := newTestService(store, adapter)
	authorizedOrder(t, store, "vipps-1")

	o, err := s.PaymentAction(context.Background(), "vipps-1", ActionCancel, 0)
	require.NoError(t, err)
	assert.Equal(t, PaymentCancelled, o.PaymentStatus)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Len(t, n.cancelled, 1)
}

func TestService_PaymentAction_ProviderError(t *testing.T) {
	store := newMemStore()
	adapter := &mockAdapter{provider: payment.ProviderVipps, err: errors.New("502 bad gateway")}
	s, _, _ := newTestService(store, adapter)
	authorizedOrder(t, store, "vipps-1")

	_, err := s.PaymentAction(context.Background(), "vipps-1", ActionCapture, 0)
	require.Error(t, err)

	stored, _ := store.order("vipps-1")
	assert.Equal(t, PaymentAuthorized, stored.PaymentStatus)
}

func TestService_PaymentAction_InvalidAmount(t *testing.T) {
	store := newMemStore()
	adapter := &mockAdapter{provider: payment.ProviderVipps}
	s, _, _ := newTestService(store, adapter)
	authorizedOrder(t, store, "vipps-1")

	_, err := s.PaymentAction(context.Background(), "vipps-1", ActionCapture, 999999)
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, adapter.calls)
}

func TestService_PaymentAction_NotFound(t *testing.T) {
	s, _, _ := newTestService(newMemStore())
	_, err := s.PaymentAction(context.Background(), "nope", ActionCapture, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_ShipAndDeliver(t *testing.T) {
	store := newMemStore()
	s, n, p := newTestService(store)
	o := authorizedOrder(t, store, "vipps-1")
	require.NoError(t, store.Apply(context.Background(), o.ID, Change{
		FromPayment: PaymentAuthorized, FromStatus: StatusPaid,
		ToPayment: PaymentCaptured, ToStatus: StatusProcessing,
	}))

	shipped, err := s.Ship(context.Background(), o.ID, Tracking{Carrier: "Posten", Number: "70730259"})
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, shipped.Status)
	require.NotNil(t, shipped.Tracking)
	assert.Equal(t, "Posten", shipped.Tracking.Carrier)
	assert.Len(t, n.shipped, 1)

	s.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	delivered, err := s.ConfirmDeliveries(context.Background(), 7*24*time.Hour, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	stored, _ := store.order("vipps-1")
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, []EventType{EventShipped, EventDelivered}, p.types())
}

func TestService_ShipRequiresCapture(t *testing.T) {
	store := newMemStore()
	s, _, _ := newTestService(store)
	o := authorizedOrder(t, store, "vipps-1")

	_, err := s.Ship(context.Background(), o.ID, Tracking{Carrier: "Posten"})
	var tErr *TransitionError
	require.ErrorAs(t, err, &tErr)
}

func TestService_ConfirmDeliveries_NotYetDue(t *testing.T) {
	store := newMemStore()
	s, _, _ := newTestService(store)
	o := authorizedOrder(t, store, "vipps-1")
	require.NoError(t, store.Apply(context.Background(), o.ID, Change{
		FromPayment: PaymentAuthorized, FromStatus: StatusPaid,
		ToPayment: PaymentCaptured, ToStatus: StatusShipped,
	}))

	delivered, err := s.ConfirmDeliveries(context.Background(), 7*24*time.Hour, 50)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}
