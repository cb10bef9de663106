package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Validator checks a code against the current catalog state and computes the
// discount for a trusted subtotal.
type Validator interface {
	Validate(ctx context.Context, code string, subtotal int64) (*Discount, error)
}

// RepoValidator implements Validator on top of a Repository. It never mutates
// the use counter: that happens exactly once, when an order is reconciled.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate rejects inactive, expired and exhausted codes.
func (v *RepoValidator) Validate(ctx context.Context, code string, subtotal int64) (*Discount, error) {
	c, err := v.repo.FindByCode(ctx, Normalize(code))
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return nil, ErrInvalidCode
		}
		return nil, errors.Wrap(err, "lookup discount code")
	}

	if !c.IsActive {
		return nil, ErrInactive
	}
	if c.ExpiresAt != nil && !v.now().Before(*c.ExpiresAt) {
		return nil, ErrExpired
	}
	if c.UsesRemaining != nil && *c.UsesRemaining <= 0 {
		return nil, ErrExhausted
	}

	d := Apply(c, subtotal)
	return &d, nil
}
