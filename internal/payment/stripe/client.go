// Package stripe implements the hosted checkout payment provider. Payments
// are captured when the customer completes checkout and reported through a
// signed webhook.
package stripe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/popkunst/storefront/internal/domain/payment"
)

var _ payment.Adapter = (*Client)(nil)

// Config configures the Stripe client.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	// Tolerance is the maximum age of a webhook signature timestamp.
	Tolerance time.Duration
}

// Client talks to the Stripe API.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

// New creates a Client. A nil httpClient gets an instrumented default.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		}
	}
	return &Client{cfg: cfg, http: httpClient, now: time.Now}
}

func (c *Client) Provider() payment.Provider { return payment.ProviderStripe }

// APIError is an error response from Stripe.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: %d %s: %s", e.StatusCode, e.Type, e.Message)
}

// Initiate creates a Checkout Session for the quoted order.
func (c *Client) Initiate(ctx context.Context, in payment.Initiation) (*payment.Session, error) {
	oc := &in.Order
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", in.SuccessURL+"?session_id={CHECKOUT_SESSION_ID}")
	form.Set("cancel_url", in.CancelURL)
	form.Set("customer_email", oc.Customer.Email)
	form.Set("locale", stripeLocale(oc.Locale))

	line := 0
	addLine := func(name string, amount int64, qty int) {
		prefix := fmt.Sprintf("line_items[%d]", line)
		form.Set(prefix+"[price_data][currency]", "nok")
		form.Set(prefix+"[price_data][product_data][name]", name)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(amount, 10))
		form.Set(prefix+"[quantity]", strconv.Itoa(qty))
		line++
	}
	for _, it := range oc.Items {
		addLine(it.Title, it.UnitPrice, it.Quantity)
	}
	if oc.ArtistLevy > 0 {
		addLine("Kunstavgift", oc.ArtistLevy, 1)
	}

	form.Set("shipping_options[0][shipping_rate_data][type]", "fixed_amount")
	form.Set("shipping_options[0][shipping_rate_data][display_name]", "Frakt")
	form.Set("shipping_options[0][shipping_rate_data][fixed_amount][amount]", strconv.FormatInt(oc.ShippingCost, 10))
	form.Set("shipping_options[0][shipping_rate_data][fixed_amount][currency]", "nok")

	if oc.DiscountAmount > 0 {
		couponID, err := c.createCoupon(ctx, oc.DiscountCode, oc.DiscountAmount, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		form.Set("discounts[0][coupon]", couponID)
	}

	for k, v := range encodeMetadata(oc) {
		form.Set("metadata["+k+"]", v)
	}

	var s session
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, in.IdempotencyKey, s.Decode); err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return &payment.Session{Reference: s.ID, RedirectURL: s.URL}, nil
}

// createCoupon creates a single-use coupon for a server-computed discount.
func (c *Client) createCoupon(ctx context.Context, code string, amount int64, idempotencyKey string) (string, error) {
	form := url.Values{}
	form.Set("amount_off", strconv.FormatInt(amount, 10))
	form.Set("currency", "nok")
	form.Set("duration", "once")
	form.Set("max_redemptions", "1")
	if code != "" {
		form.Set("name", code)
	}

	var id string
	if err := c.do(ctx, http.MethodPost, "/v1/coupons", form, idempotencyKey+"-coupon", func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "id" {
				return d.Skip()
			}
			var err error
			id, err = d.Str()
			return err
		})
	}); err != nil {
		return "", errors.Wrap(err, "create coupon")
	}
	return id, nil
}

// retrieveSession fetches the authoritative session state.
func (c *Client) retrieveSession(ctx context.Context, id string) (*session, error) {
	var s session
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, "", s.Decode); err != nil {
		return nil, errors.Wrap(err, "retrieve checkout session")
	}
	return &s, nil
}

// Refund refunds amount of the payment behind the session reference.
func (c *Client) Refund(ctx context.Context, reference string, amount int64) error {
	s, err := c.retrieveSession(ctx, reference)
	if err != nil {
		return err
	}
	if s.PaymentIntent == "" {
		return errors.Errorf("session %s has no payment intent", reference)
	}

	form := url.Values{}
	form.Set("payment_intent", s.PaymentIntent)
	form.Set("amount", strconv.FormatInt(amount, 10))
	key := fmt.Sprintf("refund-%s-%d", reference, amount)
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, key, func(d *jx.Decoder) error {
		return d.Skip()
	}); err != nil {
		return errors.Wrap(err, "create refund")
	}
	return nil
}

// Capture is not supported: checkout sessions capture on completion.
func (c *Client) Capture(context.Context, string, int64) error { return payment.ErrUnsupported }

// Cancel is not supported: unpaid sessions expire on their own.
func (c *Client) Cancel(context.Context, string) error { return payment.ErrUnsupported }

func (c *Client) do(
	ctx context.Context,
	method, path string,
	form url.Values,
	idempotencyKey string,
	decode func(d *jx.Decoder) error,
) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	return decode(jx.DecodeBytes(data))
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	d := jx.DecodeBytes(data)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "error" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "type":
				apiErr.Type, err = d.Str()
			case "code":
				apiErr.Code, err = d.Str()
			case "message":
				apiErr.Message, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	return apiErr
}

func stripeLocale(locale string) string {
	switch locale {
	case "nb", "nn", "no":
		return "nb"
	case "en":
		return "en"
	default:
		return "auto"
	}
}
