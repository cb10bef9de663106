package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remoteAddr string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/stripe", nil)
	req.RemoteAddr = remoteAddr
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 5}, NewSlidingWindow(5, time.Minute))(okHandler())

	for i := range 5 {
		w := hit(h, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 2}, NewSlidingWindow(2, time.Minute))(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:9999").Code)
	}

	w := hit(h, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body.Code)
	assert.NotEmpty(t, body.Message)
}

func TestRateLimit_KeyedByClient(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1}, NewSlidingWindow(1, time.Minute))(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:5678").Code)
}

func TestRateLimit_IgnoresForwardedFromUntrustedPeer(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1}, NewSlidingWindow(1, time.Minute))(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "198.51.100.7:40000", "X-Forwarded-For", "203.0.113.1").Code)
	for _, spoofed := range []string{"203.0.113.2", "203.0.113.3, 10.0.0.1", "garbage"} {
		w := hit(h, "198.51.100.7:40001", "X-Forwarded-For", spoofed, "X-Real-IP", "203.0.113.9")
		assert.Equal(t, http.StatusTooManyRequests, w.Code, "X-Forwarded-For %q", spoofed)
	}
}

func TestRateLimit_TrustedProxy(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	require.NoError(t, err)
	h := RateLimit(RateLimitConfig{Max: 1, TrustedProxies: trusted}, NewSlidingWindow(1, time.Minute))(okHandler())

	// Different clients behind the same proxy are limited separately.
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.5:1", "X-Forwarded-For", "203.0.113.50").Code)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.5:2", "X-Forwarded-For", "203.0.113.51").Code)

	// The client cannot escape by prepending addresses: the rightmost
	// untrusted hop is the one the proxy saw.
	assert.Equal(t, http.StatusTooManyRequests,
		hit(h, "10.0.0.5:3", "X-Forwarded-For", "1.2.3.4, 203.0.113.50, 10.0.0.9").Code)
	assert.Equal(t, http.StatusTooManyRequests,
		hit(h, "192.168.1.1:4", "X-Real-IP", "203.0.113.51").Code)

	// Untrusted peers are keyed on their own address.
	assert.Equal(t, http.StatusOK, hit(h, "198.51.100.7:5", "X-Forwarded-For", "203.0.113.50").Code)
}

func TestForwardedClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "::1"})
	require.NoError(t, err)
	key := ForwardedClientIP(trusted)

	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{name: "untrusted peer", remote: "198.51.100.7:1", xff: []string{"203.0.113.1"}, want: "198.51.100.7"},
		{name: "no header", remote: "10.0.0.1:1", want: "10.0.0.1"},
		{name: "single hop", remote: "10.0.0.1:1", xff: []string{"203.0.113.1"}, want: "203.0.113.1"},
		{name: "proxy chain", remote: "10.0.0.1:1", xff: []string{"203.0.113.1, 10.0.0.2, 10.0.0.3"}, want: "203.0.113.1"},
		{name: "spoofed prefix", remote: "10.0.0.1:1", xff: []string{"1.1.1.1, 203.0.113.1"}, want: "203.0.113.1"},
		{name: "split headers", remote: "10.0.0.1:1", xff: []string{"1.1.1.1", "203.0.113.1"}, want: "203.0.113.1"},
		{name: "all trusted", remote: "10.0.0.1:1", xff: []string{"10.0.0.7"}, want: "10.0.0.7"},
		{name: "garbage hop", remote: "10.0.0.1:1", xff: []string{"nonsense, 10.0.0.2"}, want: "10.0.0.2"},
		{name: "ipv6 proxy", remote: "[::1]:1", xff: []string{"2001:db8::1"}, want: "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, key(req))
		})
	}

	assert.Equal(t, "198.51.100.7", ClientIP(&http.Request{RemoteAddr: "198.51.100.7:9"}))
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{" 10.1.2.3/8 ", "", "192.168.1.1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.168.1.1/32", got[1].String())

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	require.ErrorContains(t, err, "10.0.0.0/33")
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	require.Error(t, err)
}

func TestRateLimit_PrefixAndKeyFunc(t *testing.T) {
	l := NewSlidingWindow(1, time.Minute)
	byKey := func(r *http.Request) string { return r.Header.Get("X-API-Key") }
	a := RateLimit(RateLimitConfig{Max: 1, Prefix: "a:", KeyFunc: byKey}, l)(okHandler())
	b := RateLimit(RateLimitConfig{Max: 1, Prefix: "b:", KeyFunc: byKey}, l)(okHandler())

	assert.Equal(t, http.StatusOK, hit(a, "", "X-API-Key", "key-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(a, "", "X-API-Key", "key-a").Code)
	assert.Equal(t, http.StatusOK, hit(a, "", "X-API-Key", "key-b").Code)
	assert.Equal(t, http.StatusOK, hit(b, "", "X-API-Key", "key-a").Code, "prefixes are independent")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, time.Time) (Decision, error) {
	return Decision{}, errors.New("redis: connection refused")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1}, brokenLimiter{})(okHandler())
	for range 3 {
		w := hit(h, "10.0.0.1:1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	l := NewSlidingWindow(2, time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d, err := l.Allow(ctx, "ip", start)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)

	d, _ = l.Allow(ctx, "ip", start.Add(time.Second))
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "ip", start.Add(2*time.Second))
	assert.False(t, d.Allowed)

	// Just after rollover the previous window still weighs almost fully:
	// 2*59/60 leaves room for one more, 2*58/60+1 does not.
	d, _ = l.Allow(ctx, "ip", start.Add(61*time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	d, _ = l.Allow(ctx, "ip", start.Add(62*time.Second))
	assert.False(t, d.Allowed)

	// Three quarters into the next window only half a request is carried.
	d, _ = l.Allow(ctx, "ip", start.Add(105*time.Second))
	assert.True(t, d.Allowed)

	// Two idle windows reset the key completely.
	d, _ = l.Allow(ctx, "ip", start.Add(5*time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestSlidingWindow_Cleanup(t *testing.T) {
	ctx := context.Background()
	l := NewSlidingWindow(1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _ = l.Allow(ctx, "old", now)
	_, _ = l.Allow(ctx, "new", now.Add(90*time.Second))
	require.Equal(t, 2, l.size())

	l.Cleanup(now.Add(2 * time.Minute))
	assert.Equal(t, 1, l.size())
}
