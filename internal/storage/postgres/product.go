package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/popkunst/storefront/internal/domain/inventory"
	"github.com/popkunst/storefront/internal/domain/product"
)

const (
	productColumns = `id, title, price, kind, stock_quantity, is_available, image_ref, deleted_at`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, title, price, kind, stock_quantity, is_available, image_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, price = EXCLUDED.price, kind = EXCLUDED.kind,
			stock_quantity = EXCLUDED.stock_quantity, is_available = EXCLUDED.is_available,
			image_ref = EXCLUDED.image_ref, deleted_at = NULL, updated_at = now()`

	// decrementStockSQL locks the row and applies the print/original rule in
	// one statement. It returns the stock as it was before the update so the
	// result can be derived with inventory.Apply.
	decrementStockSQL = `WITH cur AS (
			SELECT id, kind, stock_quantity, is_available
			FROM products
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE
		), upd AS (
			UPDATE products p SET
				stock_quantity = CASE WHEN cur.kind = 'original' THEN 0
					ELSE GREATEST(cur.stock_quantity - $2, 0) END,
				is_available = CASE WHEN cur.kind = 'original' THEN FALSE
					ELSE cur.stock_quantity - $2 > 0 END,
				updated_at = now()
			FROM cur
			WHERE p.id = cur.id
				AND ((cur.kind = 'original' AND cur.is_available)
					OR (cur.kind = 'print' AND cur.stock_quantity > 0))
			RETURNING p.id
		)
		SELECT cur.kind, cur.stock_quantity, cur.is_available FROM cur`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier, including soft-deleted
// ones.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert creates or replaces a catalog product and clears its deletion mark.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Title, p.Price, string(p.Kind), p.StockQuantity, p.IsAvailable, p.ImageRef,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p    product.Product
		kind string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Price, &kind, &p.StockQuantity, &p.IsAvailable, &p.ImageRef, &p.DeletedAt)
	p.Kind = product.Kind(kind)
	return p, err
}

// decrementStock runs the single-statement decrement on q.
func decrementStock(ctx context.Context, q querier, productID string, qty int) (inventory.Result, error) {
	if qty < 1 {
		return inventory.Result{}, inventory.ErrInvalidQuantity
	}

	var (
		kind string
		prev inventory.Stock
	)
	err := q.QueryRow(ctx, decrementStockSQL, productID, qty).Scan(&kind, &prev.Quantity, &prev.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Result{}, product.ErrNotFound
		}
		return inventory.Result{}, fmt.Errorf("decrementing stock of %q: %w", productID, err)
	}
	prev.Kind = product.Kind(kind)

	_, res, err := inventory.Apply(prev, qty)
	return res, err
}
