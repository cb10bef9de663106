package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Kind distinguishes editions that are stocked from one-of-a-kind works.
type Kind string

const (
	// KindPrint is an edition with a stock counter.
	KindPrint Kind = "print"
	// KindOriginal is a unique work: it can be sold exactly once.
	KindOriginal Kind = "original"
)

// Product is a catalog artwork. Price is the trusted unit price in øre.
type Product struct {
	ID            string
	Title         string
	Price         int64
	Kind          Kind
	StockQuantity int
	IsAvailable   bool
	ImageRef      string
	DeletedAt     *time.Time
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
