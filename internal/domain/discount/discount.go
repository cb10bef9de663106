package discount

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidCode is returned when a code does not exist.
	ErrInvalidCode = errors.New("invalid discount code")
	// ErrInactive is returned when a code has been switched off by catalog management.
	ErrInactive = errors.New("discount code inactive")
	// ErrExpired is returned when a code is past its expiry time.
	ErrExpired = errors.New("discount code expired")
	// ErrExhausted is returned when a code has no uses remaining.
	ErrExhausted = errors.New("discount code usage limit reached")
)

// Code is a discount code as stored by catalog management. Exactly one of
// PercentOff or AmountOff is normally set; a code may also only grant free
// shipping.
type Code struct {
	Code         string
	PercentOff   decimal.Decimal
	AmountOff    int64
	IsActive     bool
	FreeShipping bool
	ExpiresAt    *time.Time
	// UsesRemaining is nil for codes without a usage limit.
	UsesRemaining *int
}

// Discount is the outcome of applying a code to a trusted subtotal.
type Discount struct {
	Code         string
	Amount       int64
	FreeShipping bool
}

// Repository provides lookup of discount codes.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Code, error)
}

// Normalize canonicalizes user input before lookup.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var hundred = decimal.NewFromInt(100)

// Apply computes the discount amount for subtotal. The amount never exceeds
// the subtotal and is rounded half away from zero to whole øre.
func Apply(c *Code, subtotal int64) Discount {
	d := Discount{Code: c.Code, FreeShipping: c.FreeShipping}
	if subtotal <= 0 {
		return d
	}

	var amount int64
	switch {
	case c.PercentOff.IsPositive():
		amount = decimal.NewFromInt(subtotal).
			Mul(c.PercentOff).
			Div(hundred).
			Round(0).
			IntPart()
	case c.AmountOff > 0:
		amount = c.AmountOff
	}

	d.Amount = min(max(amount, 0), subtotal)
	return d
}
