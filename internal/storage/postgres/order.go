package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/popkunst/storefront/internal/domain/inventory"
	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/product"
)

const (
	orderColumns = `id, order_number, customer_email, customer_name, customer_phone,
		address_line1, address_line2, address_postal_code, address_city, address_country, locale,
		subtotal, COALESCE(discount_code, ''), discount_amount, shipping_cost, artist_levy, total, currency,
		payment_provider, payment_reference, provider_payment_id, payment_status, status,
		captured_amount, refunded_amount, tracking_carrier, tracking_number, tracking_url,
		inventory_warnings, created_at, updated_at, paid_at, shipped_at, delivered_at`

	orderInsertColumns = `id, order_number, customer_email, customer_name, customer_phone,
		address_line1, address_line2, address_postal_code, address_city, address_country, locale,
		subtotal, discount_code, discount_amount, shipping_cost, artist_levy, total, currency,
		payment_provider, payment_reference, provider_payment_id, payment_status, status,
		captured_amount, paid_at`

	orderInsertValues = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24, $25`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByReferenceSQL = `SELECT ` + orderColumns + ` FROM orders WHERE payment_reference = $1`

	listOrdersByPaymentStatusSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE payment_status = $1 ORDER BY created_at LIMIT $2`

	listOrdersShippedBeforeSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'shipped' AND shipped_at < $1 ORDER BY shipped_at LIMIT $2`

	listOrderItemsSQL = `SELECT order_id, product_id, title, kind, image_ref, quantity, unit_price
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`

	createPendingOrderSQL = `INSERT INTO orders (` + orderInsertColumns + `)
		VALUES (` + orderInsertValues + `)
		ON CONFLICT (payment_reference) DO NOTHING
		RETURNING id`

	// claimOrderSQL is the idempotency point of reconciliation. A new
	// reference inserts; a pending order for the reference is promoted; any
	// other existing order yields no row, which marks a duplicate.
	claimOrderSQL = `INSERT INTO orders (` + orderInsertColumns + `)
		VALUES (` + orderInsertValues + `)
		ON CONFLICT (payment_reference) DO UPDATE SET
			payment_status = EXCLUDED.payment_status,
			status = EXCLUDED.status,
			provider_payment_id = EXCLUDED.provider_payment_id,
			captured_amount = EXCLUDED.captured_amount,
			paid_at = EXCLUDED.paid_at,
			updated_at = now()
		WHERE orders.payment_status IN ('pending', 'pending_verification')
		RETURNING id, order_number, (xmax = 0) AS inserted`

	setOrderWarningsSQL = `UPDATE orders SET inventory_warnings = $2, updated_at = now() WHERE id = $1`

	applyOrderChangeSQL = `UPDATE orders SET
			payment_status = $4,
			status = $5,
			captured_amount = COALESCE($6, captured_amount),
			refunded_amount = COALESCE($7, refunded_amount),
			tracking_carrier = COALESCE($8, tracking_carrier),
			tracking_number = COALESCE($9, tracking_number),
			tracking_url = COALESCE($10, tracking_url),
			shipped_at = CASE WHEN $5 = 'shipped' THEN now() ELSE shipped_at END,
			delivered_at = CASE WHEN $5 = 'delivered' THEN now() ELSE delivered_at END,
			updated_at = now()
		WHERE id = $1 AND payment_status = $2 AND status = $3 AND refunded_amount = $11`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var orderItemColumns = []string{
	"order_id", "position", "product_id", "title", "kind", "image_ref", "quantity", "unit_price",
}

var (
	_ order.Store   = (*OrderStore)(nil)
	_ order.Effects = effects{}
)

// OrderStore implements order.Store backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// GetByID returns the order with its items.
func (s *OrderStore) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return s.getOne(ctx, getOrderByIDSQL, id)
}

// FindByReference returns the order for a provider payment reference.
func (s *OrderStore) FindByReference(ctx context.Context, reference string) (*order.Order, error) {
	return s.getOne(ctx, getOrderByReferenceSQL, reference)
}

func (s *OrderStore) getOne(ctx context.Context, query, arg string) (*order.Order, error) {
	orders, err := s.list(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, order.ErrNotFound
	}
	return &orders[0], nil
}

// CreatePending stores o and its items unless an order for the same payment
// reference already exists.
func (s *OrderStore) CreatePending(ctx context.Context, o *order.Order) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, createPendingOrderSQL, orderArgs(o)...).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		return insertItems(ctx, tx, id, o.Items)
	})
	if err != nil {
		return fmt.Errorf("creating pending order %q: %w", o.Reference, err)
	}
	return nil
}

// Apply performs ch as a compare-and-set on the order's current statuses.
func (s *OrderStore) Apply(ctx context.Context, id string, ch order.Change) error {
	var carrier, number, url *string
	if t := ch.Tracking; t != nil {
		carrier, number, url = &t.Carrier, &t.Number, &t.URL
	}

	tag, err := s.pool.Exec(ctx, applyOrderChangeSQL,
		id, string(ch.FromPayment), string(ch.FromStatus), string(ch.ToPayment), string(ch.ToStatus),
		ch.CapturedAmount, ch.RefundedAmount, carrier, number, url, ch.FromRefunded,
	)
	if err != nil {
		return fmt.Errorf("applying %s to order %q: %w", ch.Action, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking order %q: %w", id, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrConflict
}

// ListByPaymentStatus returns the oldest orders in the given payment status.
func (s *OrderStore) ListByPaymentStatus(ctx context.Context, status order.PaymentStatus, limit int) ([]order.Order, error) {
	return s.list(ctx, listOrdersByPaymentStatusSQL, string(status), limit)
}

// ListShippedBefore returns shipped orders whose shipment predates before.
func (s *OrderStore) ListShippedBefore(ctx context.Context, before time.Time, limit int) ([]order.Order, error) {
	return s.list(ctx, listOrdersShippedBeforeSQL, before, limit)
}

func (s *OrderStore) list(ctx context.Context, query string, args ...any) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("scanning orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]*order.Order, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		byID[orders[i].ID] = &orders[i]
	}

	rows, err = s.pool.Query(ctx, listOrderItemsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("listing order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID, kind string
			it            order.Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.Title, &kind, &it.ImageRef, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		it.Kind = product.Kind(kind)
		o := byID[orderID]
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading order items: %w", err)
	}
	return orders, nil
}

// InTx runs fn inside one transaction. A failure to begin is reported as
// order.ErrAtomicUnavailable so the caller can degrade.
func (s *OrderStore) InTx(ctx context.Context, fn func(fx order.Effects) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", order.ErrAtomicUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(effects{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing reconciliation: %w", err)
	}
	return nil
}

// Effects returns effects that run each statement on its own.
func (s *OrderStore) Effects() order.Effects {
	return effects{q: s.pool}
}

// effects implements order.Effects on a pool or a transaction.
type effects struct {
	q querier
}

func (fx effects) ClaimOrder(ctx context.Context, o *order.Order) (bool, error) {
	var (
		id, number string
		inserted   bool
	)
	err := fx.q.QueryRow(ctx, claimOrderSQL, orderArgs(o)...).Scan(&id, &number, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming order %q: %w", o.Reference, err)
	}

	o.ID, o.Number = id, number
	if inserted {
		if err := insertItems(ctx, fx.q, id, o.Items); err != nil {
			return false, fmt.Errorf("inserting items of order %q: %w", o.Reference, err)
		}
	}
	return true, nil
}

func (fx effects) ConsumeDiscount(ctx context.Context, code string) (bool, error) {
	return consumeDiscount(ctx, fx.q, code)
}

func (fx effects) Decrement(ctx context.Context, productID string, qty int) (inventory.Result, error) {
	return decrementStock(ctx, fx.q, productID, qty)
}

func (fx effects) SetWarnings(ctx context.Context, orderID string, warnings []string) error {
	if _, err := fx.q.Exec(ctx, setOrderWarningsSQL, orderID, warnings); err != nil {
		return fmt.Errorf("setting warnings of order %q: %w", orderID, err)
	}
	return nil
}

func insertItems(ctx context.Context, q querier, orderID string, items []order.Item) error {
	_, err := q.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns,
		pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
			it := items[i]
			return []any{orderID, i, it.ProductID, it.Title, string(it.Kind), it.ImageRef, it.Quantity, it.UnitPrice}, nil
		}),
	)
	return err
}

func orderArgs(o *order.Order) []any {
	var paidAt *time.Time
	if o.PaymentStatus == order.PaymentAuthorized || o.PaymentStatus == order.PaymentCaptured {
		now := time.Now()
		paidAt = &now
	}
	return []any{
		o.ID, o.Number, o.Customer.Email, o.Customer.Name, o.Customer.Phone,
		o.Address.Line1, o.Address.Line2, o.Address.PostalCode, o.Address.City, o.Address.Country, o.Locale,
		o.Subtotal, o.DiscountCode, o.DiscountAmount, o.ShippingCost, o.ArtistLevy, o.Total, o.Currency,
		string(o.Provider), o.Reference, o.ProviderPaymentID, string(o.PaymentStatus), string(o.Status),
		o.CapturedAmount, paidAt,
	}
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                   order.Order
		provider, paymentStatus, status     string
		trackCarrier, trackNumber, trackURL *string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.Customer.Email, &o.Customer.Name, &o.Customer.Phone,
		&o.Address.Line1, &o.Address.Line2, &o.Address.PostalCode, &o.Address.City, &o.Address.Country, &o.Locale,
		&o.Subtotal, &o.DiscountCode, &o.DiscountAmount, &o.ShippingCost, &o.ArtistLevy, &o.Total, &o.Currency,
		&provider, &o.Reference, &o.ProviderPaymentID, &paymentStatus, &status,
		&o.CapturedAmount, &o.RefundedAmount, &trackCarrier, &trackNumber, &trackURL,
		&o.InventoryWarnings, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.ShippedAt, &o.DeliveredAt,
	)
	if err != nil {
		return o, err
	}

	o.Provider = payment.Provider(provider)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.Status = order.Status(status)
	if trackNumber != nil {
		o.Tracking = &order.Tracking{Number: *trackNumber}
		if trackCarrier != nil {
			o.Tracking.Carrier = *trackCarrier
		}
		if trackURL != nil {
			o.Tracking.URL = *trackURL
		}
	}
	return o, nil
}
