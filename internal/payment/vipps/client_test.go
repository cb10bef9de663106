package vipps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popkunst/storefront/internal/domain/payment"
)

type fakeVipps struct {
	t          *testing.T
	tokenCalls atomic.Int32
	status     string
	aggregate  map[string]int64

	mu       sync.Mutex
	requests []recorded
}

func (f *fakeVipps) snapshot() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

type recorded struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func (f *fakeVipps) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/accesstoken/get" {
		f.tokenCalls.Add(1)
		assert.Equal(f.t, "client", r.Header.Get("client_id"))
		assert.Equal(f.t, "secret", r.Header.Get("client_secret"))
		_, _ = io.WriteString(w, `{"access_token":"tok","expires_in":"3600"}`)
		return
	}

	assert.Equal(f.t, "Bearer tok", r.Header.Get("Authorization"))
	assert.Equal(f.t, "sub", r.Header.Get("Ocp-Apim-Subscription-Key"))
	assert.Equal(f.t, "123456", r.Header.Get("Merchant-Serial-Number"))

	rec := recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone()}
	if r.Method == http.MethodPost {
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&rec.body))
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/epayment/v1/payments":
		_, _ = io.WriteString(w, `{"redirectUrl":"https://landing.vipps.no/x","reference":"`+rec.body["reference"].(string)+`"}`)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/epayment/v1/payments/"):
		if f.status == "" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"title":"Not Found","detail":"payment not found"}`)
			return
		}
		ref := strings.TrimPrefix(r.URL.Path, "/epayment/v1/payments/")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"reference":    ref,
			"state":        f.status,
			"pspReference": "psp-1",
			"aggregate": map[string]any{
				"authorizedAmount": map[string]any{"currency": "NOK", "value": f.aggregate["authorized"]},
				"capturedAmount":   map[string]any{"currency": "NOK", "value": f.aggregate["captured"]},
				"cancelledAmount":  map[string]any{"currency": "NOK", "value": 0},
				"refundedAmount":   map[string]any{"currency": "NOK", "value": f.aggregate["refunded"]},
			},
		})
	default:
		_, _ = io.WriteString(w, `{}`)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeVipps) {
	t.Helper()

	f := &fakeVipps{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:              srv.URL,
		ClientID:             "client",
		ClientSecret:         "secret",
		SubscriptionKey:      "sub",
		MerchantSerialNumber: "123456",
	}, srv.Client())
	return c, f
}

func TestInitiate(t *testing.T) {
	c, f := newTestClient(t)

	sess, err := c.Initiate(context.Background(), payment.Initiation{
		IdempotencyKey: "idem-1",
		ReturnURL:      "https://shop.example/api/vipps/callback?locale=nb",
		Order: payment.OrderContext{
			Customer: payment.Customer{Email: "kari@example.no", Name: "Kari", Phone: "+47 912 34 567"},
			Items:    []payment.Item{{ProductID: "p1", Title: "Blå katt", Quantity: 1, UnitPrice: 150000}},
			Total:    159900,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://landing.vipps.no/x", sess.RedirectURL)
	assert.True(t, strings.HasPrefix(sess.Reference, "pk-"))

	requests := f.snapshot()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "idem-1", req.header.Get("Idempotency-Key"))
	assert.Equal(t, sess.Reference, req.body["reference"])
	assert.Equal(t, "WEB_REDIRECT", req.body["userFlow"])
	assert.Equal(t, "Blå katt", req.body["paymentDescription"])
	assert.Equal(t, map[string]any{"currency": "NOK", "value": float64(159900)}, req.body["amount"])
	assert.Equal(t, map[string]any{"phoneNumber": "4791234567"}, req.body["customer"])

	returnURL, err := url.Parse(req.body["returnUrl"].(string))
	require.NoError(t, err)
	assert.Equal(t, "nb", returnURL.Query().Get("locale"))
	assert.Equal(t, sess.Reference, returnURL.Query().Get("reference"))
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name      string
		state     string
		aggregate map[string]int64
		want      payment.Outcome
	}{
		{name: "created", state: "CREATED", want: payment.OutcomePending},
		{name: "authorized", state: "AUTHORIZED", aggregate: map[string]int64{"authorized": 159900}, want: payment.OutcomeAuthorized},
		{name: "partially captured", state: "AUTHORIZED", aggregate: map[string]int64{"authorized": 159900, "captured": 100}, want: payment.OutcomeAuthorized},
		{name: "fully captured", state: "AUTHORIZED", aggregate: map[string]int64{"authorized": 159900, "captured": 159900}, want: payment.OutcomeCaptured},
		{name: "terminated", state: "TERMINATED", want: payment.OutcomeCancelled},
		{name: "aborted", state: "ABORTED", want: payment.OutcomeCancelled},
		{name: "expired", state: "EXPIRED", want: payment.OutcomeExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, f := newTestClient(t)
			f.status = tt.state
			f.aggregate = tt.aggregate

			ev, err := c.ParseEvent(context.Background(), payment.RawEvent{Reference: "pk-1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Outcome)
			assert.Equal(t, payment.ProviderVipps, ev.Provider)
			assert.Equal(t, "pk-1", ev.Reference)
			assert.Equal(t, "psp-1", ev.ProviderPaymentID)
			assert.Equal(t, tt.aggregate["authorized"], ev.Amount)
			assert.Nil(t, ev.Order)
		})
	}
}

func TestParseEvent_Errors(t *testing.T) {
	c, f := newTestClient(t)

	_, err := c.ParseEvent(context.Background(), payment.RawEvent{})
	require.Error(t, err)

	_, err = c.ParseEvent(context.Background(), payment.RawEvent{Reference: "pk-missing"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	f.status = "SOMETHING_NEW"
	_, err = c.ParseEvent(context.Background(), payment.RawEvent{Reference: "pk-1"})
	require.Error(t, err)
}

func TestModifications(t *testing.T) {
	c, f := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Capture(ctx, "pk-1", 159900))
	require.NoError(t, c.Refund(ctx, "pk-1", 50000))
	require.NoError(t, c.Cancel(ctx, "pk-2"))

	requests := f.snapshot()
	require.Len(t, requests, 3)
	assert.Equal(t, "/epayment/v1/payments/pk-1/capture", requests[0].path)
	assert.Equal(t, map[string]any{"currency": "NOK", "value": float64(159900)}, requests[0].body["modificationAmount"])
	assert.Equal(t, "capture-pk-1-159900", requests[0].header.Get("Idempotency-Key"))

	assert.Equal(t, "/epayment/v1/payments/pk-1/refund", requests[1].path)
	assert.Equal(t, map[string]any{"currency": "NOK", "value": float64(50000)}, requests[1].body["modificationAmount"])

	assert.Equal(t, "/epayment/v1/payments/pk-2/cancel", requests[2].path)

	assert.Equal(t, int32(1), f.tokenCalls.Load(), "access token is cached")
}

func TestNormalizePhone(t *testing.T) {
	for in, want := range map[string]string{
		"91234567":        "4791234567",
		"+47 912 34 567":  "4791234567",
		"4791234567":      "4791234567",
		"":                "",
		"not a phone nr.": "",
	} {
		assert.Equal(t, want, normalizePhone(in), in)
	}
}
