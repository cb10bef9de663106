package order

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/popkunst/storefront/internal/domain/inventory"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/product"
)

// --- In-memory store ---

// memStore serializes transactions with one mutex, which stands in for the
// row locks and unique index of the real store.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]Order
	byRef     map[string]string
	stock     map[string]inventory.Stock
	discounts map[string]int

	txErr        error
	decrementErr error
	decrements   int
}

func newMemStore() *memStore {
	return &memStore{
		orders:    make(map[string]Order),
		byRef:     make(map[string]string),
		stock:     make(map[string]inventory.Stock),
		discounts: make(map[string]int),
	}
}

func (s *memStore) addPrint(id string, qty int) {
	s.stock[id] = inventory.Stock{Kind: product.KindPrint, Quantity: qty, Available: qty > 0}
}

func (s *memStore) addOriginal(id string) {
	s.stock[id] = inventory.Stock{Kind: product.KindOriginal, Quantity: 1, Available: true}
}

func (s *memStore) order(ref string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return Order{}, false
	}
	return s.orders[id], true
}

func (s *memStore) GetByID(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *memStore) FindByReference(_ context.Context, ref string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	o := s.orders[id]
	return &o, nil
}

func (s *memStore) CreatePending(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRef[o.Reference]; ok {
		return nil
	}
	s.orders[o.ID] = *o
	s.byRef[o.Reference] = o.ID
	return nil
}

func (s *memStore) Apply(_ context.Context, id string, ch Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.PaymentStatus != ch.FromPayment || o.Status != ch.FromStatus || o.RefundedAmount != ch.FromRefunded {
		return ErrConflict
	}
	ch.apply(&o)
	if ch.ToStatus == StatusShipped {
		now := time.Now()
		o.ShippedAt = &now
	}
	s.orders[id] = o
	return nil
}

func (s *memStore) ListByPaymentStatus(_ context.Context, status PaymentStatus, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.PaymentStatus == status && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) ListShippedBefore(_ context.Context, before time.Time, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.Status == StatusShipped && o.ShippedAt != nil && o.ShippedAt.Before(before) && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) InTx(_ context.Context, fn func(fx Effects) error) error {
	if s.txErr != nil {
		return s.txErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, byRef := maps.Clone(s.orders), maps.Clone(s.byRef)
	stock, discounts := maps.Clone(s.stock), maps.Clone(s.discounts)
	if err := fn(memEffects{s: s, inTx: true}); err != nil {
		s.orders, s.byRef, s.stock, s.discounts = orders, byRef, stock, discounts
		return err
	}
	return nil
}

func (s *memStore) Effects() Effects { return memEffects{s: s} }

type memEffects struct {
	s    *memStore
	inTx bool
}

func (e memEffects) lock() func() {
	if e.inTx {
		return func() {}
	}
	e.s.mu.Lock()
	return e.s.mu.Unlock
}

func (e memEffects) ClaimOrder(_ context.Context, o *Order) (bool, error) {
	defer e.lock()()
	if id, ok := e.s.byRef[o.Reference]; ok {
		existing := e.s.orders[id]
		if !existing.PaymentStatus.Claimable() {
			return false, nil
		}
		existing.PaymentStatus = o.PaymentStatus
		existing.Status = o.Status
		existing.CapturedAmount = o.CapturedAmount
		existing.ProviderPaymentID = o.ProviderPaymentID
		e.s.orders[id] = existing
		o.ID, o.Number = existing.ID, existing.Number
		return true, nil
	}
	e.s.orders[o.ID] = *o
	e.s.byRef[o.Reference] = o.ID
	return true, nil
}

func (e memEffects) ConsumeDiscount(_ context.Context, code string) (bool, error) {
	defer e.lock()()
	left, ok := e.s.discounts[code]
	if !ok {
		return true, nil
	}
	if left <= 0 {
		return false, nil
	}
	e.s.discounts[code] = left - 1
	return true, nil
}

func (e memEffects) Decrement(_ context.Context, productID string, qty int) (inventory.Result, error) {
	defer e.lock()()
	if e.s.decrementErr != nil {
		return inventory.Result{}, e.s.decrementErr
	}
	st, ok := e.s.stock[productID]
	if !ok {
		return inventory.Result{}, product.ErrNotFound
	}
	e.s.decrements++
	next, res, err := inventory.Apply(st, qty)
	e.s.stock[productID] = next
	return res, err
}

func (e memEffects) SetWarnings(_ context.Context, orderID string, warnings []string) error {
	defer e.lock()()
	o := e.s.orders[orderID]
	o.InventoryWarnings = warnings
	e.s.orders[orderID] = o
	return nil
}

// --- Collaborators ---

type mockNotifier struct {
	mu        sync.Mutex
	paid      []string
	shipped   []string
	refunded  []string
	cancelled []string
	err       error
}

func (m *mockNotifier) record(list *[]string, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*list = append(*list, o.ID)
	return m.err
}

func (m *mockNotifier) OrderPaid(_ context.Context, o *Order) error { return m.record(&m.paid, o) }
func (m *mockNotifier) OrderShipped(_ context.Context, o *Order) error {
	return m.record(&m.shipped, o)
}
func (m *mockNotifier) OrderRefunded(_ context.Context, o *Order) error {
	return m.record(&m.refunded, o)
}
func (m *mockNotifier) OrderCancelled(_ context.Context, o *Order) error {
	return m.record(&m.cancelled, o)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *mockPublisher) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

type mockAdapter struct {
	provider payment.Provider
	calls    []string
	status   map[string]*payment.Event
	err      error
}

func (m *mockAdapter) Provider() payment.Provider { return m.provider }

func (m *mockAdapter) Initiate(_ context.Context, _ payment.Initiation) (*payment.Session, error) {
	return nil, payment.ErrUnsupported
}

func (m *mockAdapter) ParseEvent(_ context.Context, raw payment.RawEvent) (*payment.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	ev, ok := m.status[raw.Reference]
	if !ok {
		return nil, errors.New("unknown reference")
	}
	return ev, nil
}

func (m *mockAdapter) Capture(_ context.Context, ref string, _ int64) error {
	m.calls = append(m.calls, "capture:"+ref)
	return m.err
}

func (m *mockAdapter) Cancel(_ context.Context, ref string) error {
	m.calls = append(m.calls, "cancel:"+ref)
	return m.err
}

func (m *mockAdapter) Refund(_ context.Context, ref string, _ int64) error {
	m.calls = append(m.calls, "refund:"+ref)
	return m.err
}
