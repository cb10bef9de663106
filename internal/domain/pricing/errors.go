package pricing

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/popkunst/storefront/internal/domain/discount"
)

// Sentinel errors for quote validation.
var (
	ErrEmptyCart    = errors.New("cart is empty")
	ErrTooManyLines = errors.New("too many cart lines")
)

// QuantityError indicates a line quantity outside the allowed bounds.
type QuantityError struct {
	ProductID string
	Quantity  int
	Max       int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("quantity %d for product %s outside 1..%d", e.Quantity, e.ProductID, e.Max)
}

// ProductUnavailableError indicates a product that cannot be sold right now.
type ProductUnavailableError struct {
	ProductID string
	Reason    string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s unavailable: %s", e.ProductID, e.Reason)
}

// ShippingMismatchError is returned when the client-side shipping cost does
// not match the currently valid rate.
type ShippingMismatchError struct {
	Claimed  int64
	Expected int64
}

func (e *ShippingMismatchError) Error() string {
	return fmt.Sprintf("shipping cost %d does not match valid rate %d", e.Claimed, e.Expected)
}

// IsRejection reports whether err means the request itself is out of policy,
// as opposed to an infrastructure failure.
func IsRejection(err error) bool {
	var (
		qErr *QuantityError
		pErr *ProductUnavailableError
		sErr *ShippingMismatchError
	)
	switch {
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrTooManyLines):
		return true
	case errors.As(err, &qErr), errors.As(err, &pErr), errors.As(err, &sErr):
		return true
	case errors.Is(err, discount.ErrInvalidCode),
		errors.Is(err, discount.ErrInactive),
		errors.Is(err, discount.ErrExpired),
		errors.Is(err, discount.ErrExhausted):
		return true
	default:
		return false
	}
}
