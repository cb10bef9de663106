// Package pricing recomputes every amount of a checkout from trusted catalog
// data. Client-supplied prices are never read.
package pricing

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/popkunst/storefront/internal/domain/discount"
	"github.com/popkunst/storefront/internal/domain/product"
)

// Config holds the pricing policy. All amounts are øre.
type Config struct {
	MaxLines    int
	MaxQuantity int

	// StandardShipping is the flat shipping rate. Together with zero (free
	// shipping) it forms the set of valid rates.
	StandardShipping int64
	// FreeShippingFrom grants free shipping at or above this subtotal. Zero
	// disables the threshold.
	FreeShippingFrom int64

	// LevyBasisPoints is the artist levy rate (500 = 5%).
	LevyBasisPoints int64
	// LevyThreshold is the subtotal the levy starts applying above.
	LevyThreshold int64
}

// DefaultConfig returns the shop's standard policy.
func DefaultConfig() Config {
	return Config{
		MaxLines:         50,
		MaxQuantity:      100,
		StandardShipping: 9900,
		LevyBasisPoints:  500,
		LevyThreshold:    200000,
	}
}

// CartLine is a line as submitted by the client. Only ProductID and Quantity
// are used; the other fields are display hints.
type CartLine struct {
	ProductID string
	Title     string
	UnitPrice int64
	Quantity  int
	ImageRef  string
}

// QuoteRequest is the input of Quote.
type QuoteRequest struct {
	Lines        []CartLine
	DiscountCode string
	// ShippingCost is the rate the client displayed. When set it must match
	// the valid rate exactly.
	ShippingCost *int64
}

// QuoteItem is a priced line.
type QuoteItem struct {
	ProductID string
	Title     string
	Kind      product.Kind
	ImageRef  string
	Quantity  int
	UnitPrice int64
	LineTotal int64
}

// Quote is the server-computed price of a cart.
type Quote struct {
	Items          []QuoteItem
	Subtotal       int64
	DiscountCode   string
	DiscountAmount int64
	FreeShipping   bool
	ShippingCost   int64
	ArtistLevy     int64
	Total          int64
}

// Authority computes quotes.
type Authority struct {
	cfg       Config
	products  product.Repository
	discounts discount.Validator
}

// NewAuthority creates an Authority.
func NewAuthority(cfg Config, products product.Repository, discounts discount.Validator) *Authority {
	return &Authority{cfg: cfg, products: products, discounts: discounts}
}

// Quote validates the cart and returns trusted totals. It has no side effects.
func (a *Authority) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	lines, err := a.mergeLines(req.Lines)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	fetched, err := a.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	q := &Quote{Items: make([]QuoteItem, 0, len(lines))}
	for _, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, &ProductUnavailableError{ProductID: l.ProductID, Reason: "not found"}
		}
		if err := checkSellable(&p, l.Quantity); err != nil {
			return nil, err
		}
		item := QuoteItem{
			ProductID: p.ID,
			Title:     p.Title,
			Kind:      p.Kind,
			ImageRef:  p.ImageRef,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
			LineTotal: p.Price * int64(l.Quantity),
		}
		q.Items = append(q.Items, item)
		q.Subtotal += item.LineTotal
	}

	if req.DiscountCode != "" {
		d, err := a.discounts.Validate(ctx, req.DiscountCode, q.Subtotal)
		if err != nil {
			return nil, errors.Wrap(err, "discount")
		}
		q.DiscountCode = d.Code
		q.DiscountAmount = d.Amount
		q.FreeShipping = d.FreeShipping
	}

	q.ShippingCost = a.shippingRate(q.Subtotal, q.FreeShipping)
	if req.ShippingCost != nil && *req.ShippingCost != q.ShippingCost {
		return nil, &ShippingMismatchError{Claimed: *req.ShippingCost, Expected: q.ShippingCost}
	}

	q.ArtistLevy = a.levy(q.Subtotal)
	q.Total = q.Subtotal + q.ShippingCost + q.ArtistLevy - q.DiscountAmount
	return q, nil
}

// mergeLines folds repeated product lines together and enforces count and
// quantity bounds.
func (a *Authority) mergeLines(in []CartLine) ([]CartLine, error) {
	if len(in) == 0 {
		return nil, ErrEmptyCart
	}
	if len(in) > a.cfg.MaxLines {
		return nil, ErrTooManyLines
	}

	out := make([]CartLine, 0, len(in))
	index := make(map[string]int, len(in))
	for _, l := range in {
		if l.Quantity < 1 || l.Quantity > a.cfg.MaxQuantity {
			return nil, &QuantityError{ProductID: l.ProductID, Quantity: l.Quantity, Max: a.cfg.MaxQuantity}
		}
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			if out[i].Quantity > a.cfg.MaxQuantity {
				return nil, &QuantityError{ProductID: l.ProductID, Quantity: out[i].Quantity, Max: a.cfg.MaxQuantity}
			}
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, CartLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out, nil
}

func checkSellable(p *product.Product, qty int) error {
	switch {
	case p.DeletedAt != nil:
		return &ProductUnavailableError{ProductID: p.ID, Reason: "not found"}
	case !p.IsAvailable:
		return &ProductUnavailableError{ProductID: p.ID, Reason: "sold out"}
	case p.Kind == product.KindOriginal && qty != 1:
		return &QuantityError{ProductID: p.ID, Quantity: qty, Max: 1}
	case p.Kind == product.KindPrint && qty > p.StockQuantity:
		return &ProductUnavailableError{ProductID: p.ID, Reason: "insufficient stock"}
	}
	return nil
}

func (a *Authority) shippingRate(subtotal int64, free bool) int64 {
	if free || (a.cfg.FreeShippingFrom > 0 && subtotal >= a.cfg.FreeShippingFrom) {
		return 0
	}
	return a.cfg.StandardShipping
}

var basisPoints = decimal.NewFromInt(10000)

func (a *Authority) levy(subtotal int64) int64 {
	if subtotal <= a.cfg.LevyThreshold {
		return 0
	}
	return decimal.NewFromInt(subtotal).
		Mul(decimal.NewFromInt(a.cfg.LevyBasisPoints)).
		Div(basisPoints).
		Round(0).
		IntPart()
}
