package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/popkunst/storefront/internal/domain/discount"
)

const (
	getDiscountByCodeSQL = `SELECT code, percent_off, amount_off, is_active, free_shipping, uses_remaining, expires_at
		FROM discount_codes WHERE code = UPPER($1)`

	// consumeDiscountSQL never takes the counter below zero. Unlimited codes
	// (NULL) always succeed.
	consumeDiscountSQL = `UPDATE discount_codes
		SET uses_remaining = uses_remaining - 1
		WHERE code = $1 AND (uses_remaining IS NULL OR uses_remaining > 0)`

	upsertDiscountSQL = `INSERT INTO discount_codes
			(code, percent_off, amount_off, is_active, free_shipping, uses_remaining, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET percent_off = EXCLUDED.percent_off, amount_off = EXCLUDED.amount_off,
			is_active = EXCLUDED.is_active, free_shipping = EXCLUDED.free_shipping,
			uses_remaining = EXCLUDED.uses_remaining, expires_at = EXCLUDED.expires_at`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindByCode looks up a code regardless of its state; the validator decides
// whether it can be used. Returns discount.ErrInvalidCode when no code exists.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Code, error) {
	var c discount.Code
	err := r.pool.QueryRow(ctx, getDiscountByCodeSQL, code).Scan(
		&c.Code, &c.PercentOff, &c.AmountOff, &c.IsActive, &c.FreeShipping, &c.UsesRemaining, &c.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrInvalidCode
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &c, nil
}

// UpsertBatch creates or replaces codes in a single round trip.
func (r *DiscountRepository) UpsertBatch(ctx context.Context, codes []discount.Code) error {
	batch := &pgx.Batch{}
	for _, c := range codes {
		batch.Queue(upsertDiscountSQL,
			discount.Normalize(c.Code), c.PercentOff, c.AmountOff, c.IsActive, c.FreeShipping, c.UsesRemaining, c.ExpiresAt,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d discount codes: %w", len(codes), err)
	}
	return nil
}

func consumeDiscount(ctx context.Context, q querier, code string) (bool, error) {
	tag, err := q.Exec(ctx, consumeDiscountSQL, code)
	if err != nil {
		return false, fmt.Errorf("consuming discount code %q: %w", code, err)
	}
	return tag.RowsAffected() == 1, nil
}
