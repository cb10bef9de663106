package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts hits per key. Implementations may be process-local
// (SlidingWindow) or shared between replicas (redis.FixedWindow).
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures the RateLimit middleware.
type RateLimitConfig struct {
	// Max is reported in X-RateLimit-Limit. The Limiter enforces it.
	Max int
	// Prefix namespaces keys when one Limiter serves several routes.
	Prefix string
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the client IP address is used.
	KeyFunc func(*http.Request) string
	// TrustedProxies lists the peers allowed to report the client address
	// in X-Forwarded-For. Ignored when KeyFunc is set.
	TrustedProxies []netip.Prefix
}

// RateLimit rejects requests that l does not allow with 429 Too Many Requests
// and a Retry-After header. Limiter errors are logged and the request is let
// through.
func RateLimit(cfg RateLimitConfig, l Limiter) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ForwardedClientIP(cfg.TrustedProxies)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			now := time.Now()

			d, err := l.Allow(ctx, cfg.Prefix+cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(ctx).Warn("Rate limiter unavailable, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				var e jx.Encoder
				e.Obj(func(e *jx.Encoder) {
					e.Field("code", func(e *jx.Encoder) { e.Str("rate_limited") })
					e.Field("message", func(e *jx.Encoder) { e.Str("Too many requests, try again later") })
				})
				_, _ = w.Write(e.Bytes())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of the request's peer address. Forwarding
// headers are ignored, see ForwardedClientIP.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedClientIP returns a key function that honors X-Forwarded-For and
// X-Real-IP only when the peer is one of trusted. The forwarded chain is
// walked from the right and the first address outside trusted is the
// client. With no trusted proxies it is ClientIP.
func ForwardedClientIP(trusted []netip.Prefix) func(*http.Request) string {
	if len(trusted) == 0 {
		return ClientIP
	}
	isTrusted := func(addr netip.Addr) bool {
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return func(r *http.Request) string {
		peer := ClientIP(r)
		addr, err := netip.ParseAddr(peer)
		if err != nil || !isTrusted(addr) {
			return peer
		}

		var hops []string
		for _, v := range r.Header.Values("X-Forwarded-For") {
			hops = append(hops, strings.Split(v, ",")...)
		}
		if len(hops) == 0 {
			if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
				return xri.Unmap().String()
			}
			return peer
		}

		client := addr
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// Garbage left of the last trusted hop.
				break
			}
			client = hop.Unmap()
			if !isTrusted(client) {
				break
			}
		}
		return client.String()
	}
}

// ParseTrustedProxies parses CIDR prefixes or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %q", v)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, errors.Wrapf(err, "trusted proxy %q", v)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// window tracks request counts across two adjacent windows.
type window struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

// SlidingWindow is an in-process Limiter approximating a sliding window by
// weighting the previous fixed window by its overlap with the current one.
type SlidingWindow struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*window
}

// NewSlidingWindow creates a limiter allowing limit hits per key per period.
func NewSlidingWindow(limit int, period time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:     limit,
		window:  period,
		entries: make(map[string]*window),
	}
}

// Allow implements Limiter. It never fails.
func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &window{currStart: now.Truncate(s.window)}
		s.entries[key] = e
	}

	if now.Sub(e.currStart) >= s.window {
		e.prevCount = e.currCount
		e.prevStart = e.currStart
		e.currCount = 0
		e.currStart = now.Truncate(s.window)
		if e.currStart.Sub(e.prevStart) > s.window {
			e.prevCount = 0
		}
	}

	elapsed := now.Sub(e.currStart)
	overlap := max(1.0-elapsed.Seconds()/s.window.Seconds(), 0)
	count := e.prevCount*overlap + e.currCount
	resetAt := e.currStart.Add(s.window)

	if count >= float64(s.max) {
		return Decision{ResetAt: resetAt}, nil
	}
	e.currCount++
	count++

	return Decision{
		Allowed:   true,
		Remaining: max(int(float64(s.max)-count), 0),
		ResetAt:   resetAt,
	}, nil
}

// Cleanup removes keys whose windows have fully expired.
func (s *SlidingWindow) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if now.Sub(e.currStart) >= 2*s.window {
			delete(s.entries, key)
		}
	}
}

// Run evicts expired keys every two windows until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * s.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Cleanup(now)
		}
	}
}

func (s *SlidingWindow) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
