// Package inventory defines stock decrement semantics for prints and
// one-of-a-kind originals.
package inventory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/popkunst/storefront/internal/domain/product"
)

var (
	// ErrUnavailable is returned when an original has already been sold or a
	// print has no stock left.
	ErrUnavailable = errors.New("product unavailable")
	// ErrInvalidQuantity is returned for non-positive decrements.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Result describes the outcome of a single decrement.
type Result struct {
	Success  bool
	NewStock int
	Kind     product.Kind
	// Shortfall is the part of the requested quantity that could not be
	// taken from stock.
	Shortfall int
}

// Ledger applies atomic stock decrements.
type Ledger interface {
	Decrement(ctx context.Context, productID string, qty int) (Result, error)
}

// Stock is the mutable part of a product row.
type Stock struct {
	Kind      product.Kind
	Quantity  int
	Available bool
}

// Apply computes the stock after taking qty units from s. Storage
// implementations must perform the equivalent update in one atomic step.
//
// Prints are clamped at zero and become unavailable when empty. Originals are
// unavailable after the first successful decrement, whatever qty was.
func Apply(s Stock, qty int) (Stock, Result, error) {
	if qty < 1 {
		return s, Result{Kind: s.Kind}, ErrInvalidQuantity
	}

	switch s.Kind {
	case product.KindOriginal:
		if !s.Available {
			return s, Result{Kind: s.Kind, Shortfall: qty}, ErrUnavailable
		}
		next := Stock{Kind: s.Kind, Quantity: 0, Available: false}
		return next, Result{Success: true, NewStock: 0, Kind: s.Kind}, nil
	default:
		if s.Quantity <= 0 {
			next := Stock{Kind: s.Kind, Quantity: 0, Available: false}
			return next, Result{Kind: s.Kind, Shortfall: qty}, ErrUnavailable
		}
		remaining := max(s.Quantity-qty, 0)
		next := Stock{Kind: s.Kind, Quantity: remaining, Available: remaining > 0}
		return next, Result{
			Success:   true,
			NewStock:  remaining,
			Kind:      s.Kind,
			Shortfall: max(qty-s.Quantity, 0),
		}, nil
	}
}
