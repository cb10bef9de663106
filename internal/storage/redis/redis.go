// Package redis implements short-lived shared state on Redis: checkout
// token nonces and the checkout rate limiter.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/popkunst/storefront/pkg/httpmiddleware"
)

// NewClient connects to the Redis server at url, e.g. redis://localhost:6379/0,
// and pings it.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// NonceStore implements checkout.NonceStore.
type NonceStore struct {
	client goredis.Cmdable
	prefix string
}

// NewNonceStore creates a NonceStore keeping nonces under "checkout:nonce:".
func NewNonceStore(client goredis.Cmdable) *NonceStore {
	return &NonceStore{client: client, prefix: "checkout:nonce:"}
}

// Put stores nonce for ttl. Reusing a live nonce is an error.
func (s *NonceStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return errors.Wrap(err, "setnx")
	}
	if !ok {
		return errors.Errorf("nonce %q already issued", nonce)
	}
	return nil
}

// Consume deletes nonce and reports whether it existed. GETDEL makes
// concurrent consumers race on a single key, so at most one sees it.
func (s *NonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	err := s.client.GetDel(ctx, s.prefix+nonce).Err()
	switch {
	case errors.Is(err, goredis.Nil):
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "getdel")
	default:
		return true, nil
	}
}

// FixedWindow is a rate limiter shared by all API replicas. Each key counts
// hits in the current window with INCR; EXPIRE NX lets only the first hit
// set the expiry.
type FixedWindow struct {
	client goredis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

var _ httpmiddleware.Limiter = (*FixedWindow)(nil)

// NewFixedWindow allows limit hits per key per window.
func NewFixedWindow(client goredis.Cmdable, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		client: client,
		prefix: "ratelimit:",
		limit:  limit,
		window: window,
	}
}

// Allow implements httpmiddleware.Limiter.
func (l *FixedWindow) Allow(ctx context.Context, key string, now time.Time) (httpmiddleware.Decision, error) {
	k := l.prefix + key

	var (
		incr *goredis.IntCmd
		pttl *goredis.DurationCmd
	)
	_, err := l.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.ExpireNX(ctx, k, l.window)
		pttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "incr")
	}

	ttl := pttl.Val()
	if ttl <= 0 {
		ttl = l.window
	}
	count := int(incr.Val())
	return httpmiddleware.Decision{
		Allowed:   count <= l.limit,
		Remaining: max(l.limit-count, 0),
		ResetAt:   now.Add(ttl),
	}, nil
}
