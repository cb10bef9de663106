// Package checkout gates and starts payment for a priced cart.
package checkout

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
)

// ErrCheckoutExpired is matched by every token validation failure. Clients
// should mint a new token and retry.
var ErrCheckoutExpired = errors.New("checkout session expired")

type tokenError struct{ reason string }

func (e *tokenError) Error() string { return "checkout token " + e.reason }
func (e *tokenError) Unwrap() error { return ErrCheckoutExpired }

var (
	ErrTokenMissing = &tokenError{reason: "missing"}
	ErrTokenInvalid = &tokenError{reason: "invalid"}
	ErrTokenExpired = &tokenError{reason: "expired or already used"}
)

// NonceStore keeps issued nonces until they are consumed or expire.
type NonceStore interface {
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// Consume atomically removes nonce and reports whether it was present.
	Consume(ctx context.Context, nonce string) (bool, error)
}

// TokenConfig configures Tokens.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
	// Strict rejects requests without a token. When false a missing token
	// is tolerated, which is only meant for local development.
	Strict bool
}

// Token is an issued checkout token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Tokens issues and validates single-use checkout tokens of the form
// nonce.signature.
type Tokens struct {
	store  NonceStore
	secret []byte
	ttl    time.Duration
	strict bool
	now    func() time.Time
}

// NewTokens creates a token service.
func NewTokens(store NonceStore, cfg TokenConfig) *Tokens {
	return &Tokens{
		store:  store,
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		strict: cfg.Strict,
		now:    time.Now,
	}
}

// Issue mints a new token.
func (t *Tokens) Issue(ctx context.Context) (*Token, error) {
	var buf [18]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf[:])

	if err := t.store.Put(ctx, nonce, t.ttl); err != nil {
		return nil, errors.Wrap(err, "store nonce")
	}
	return &Token{
		Value:     nonce + "." + t.sign(nonce),
		ExpiresAt: t.now().Add(t.ttl),
	}, nil
}

// Validate checks and consumes a token. A token validates at most once.
func (t *Tokens) Validate(ctx context.Context, value string) error {
	if value == "" {
		if t.strict {
			return ErrTokenMissing
		}
		zctx.From(ctx).Warn("Checkout token missing, accepted in non-strict mode")
		return nil
	}

	nonce, sig, ok := strings.Cut(value, ".")
	if !ok || nonce == "" || !hmac.Equal([]byte(sig), []byte(t.sign(nonce))) {
		return ErrTokenInvalid
	}

	found, err := t.store.Consume(ctx, nonce)
	if err != nil {
		return errors.Wrap(err, "consume nonce")
	}
	if !found {
		return ErrTokenExpired
	}
	return nil
}

func (t *Tokens) sign(nonce string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
