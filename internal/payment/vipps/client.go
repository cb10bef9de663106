// Package vipps implements the reserve-then-capture payment provider. The
// customer authorizes in the Vipps app and is redirected back; funds are
// captured later by an explicit admin action.
package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/popkunst/storefront/internal/domain/payment"
)

var _ payment.Adapter = (*Client)(nil)

// Config configures the Vipps ePayment client.
type Config struct {
	BaseURL              string
	ClientID             string
	ClientSecret         string
	SubscriptionKey      string
	MerchantSerialNumber string
	SystemName           string
}

// Client talks to the Vipps ePayment API.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a Client. A nil httpClient gets an instrumented default.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vipps.no"
	}
	if cfg.SystemName == "" {
		cfg.SystemName = "popkunst-storefront"
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		}
	}
	return &Client{cfg: cfg, http: httpClient, now: time.Now}
}

func (c *Client) Provider() payment.Provider { return payment.ProviderVipps }

// APIError is an error response from Vipps.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vipps: %d %s: %s", e.StatusCode, e.Title, e.Detail)
}

type amount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

func nok(v int64) amount { return amount{Currency: "NOK", Value: v} }

type createPaymentRequest struct {
	Amount             amount            `json:"amount"`
	PaymentMethod      map[string]string `json:"paymentMethod"`
	Customer           *customer         `json:"customer,omitempty"`
	Reference          string            `json:"reference"`
	ReturnURL          string            `json:"returnUrl"`
	UserFlow           string            `json:"userFlow"`
	PaymentDescription string            `json:"paymentDescription"`
}

type customer struct {
	PhoneNumber string `json:"phoneNumber"`
}

type createPaymentResponse struct {
	RedirectURL string `json:"redirectUrl"`
	Reference   string `json:"reference"`
}

// Initiate creates a payment and returns the Vipps landing page URL.
func (c *Client) Initiate(ctx context.Context, in payment.Initiation) (*payment.Session, error) {
	reference := "pk-" + uuid.NewString()

	returnURL, err := url.Parse(in.ReturnURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse return url")
	}
	q := returnURL.Query()
	q.Set("reference", reference)
	returnURL.RawQuery = q.Encode()

	req := createPaymentRequest{
		Amount:             nok(in.Order.Total),
		PaymentMethod:      map[string]string{"type": "WALLET"},
		Reference:          reference,
		ReturnURL:          returnURL.String(),
		UserFlow:           "WEB_REDIRECT",
		PaymentDescription: description(&in.Order),
	}
	if phone := normalizePhone(in.Order.Customer.Phone); phone != "" {
		req.Customer = &customer{PhoneNumber: phone}
	}

	var resp createPaymentResponse
	if err := c.do(ctx, http.MethodPost, "/epayment/v1/payments", in.IdempotencyKey, req, &resp); err != nil {
		return nil, errors.Wrap(err, "create payment")
	}
	return &payment.Session{Reference: reference, RedirectURL: resp.RedirectURL}, nil
}

type paymentStatus struct {
	Reference    string `json:"reference"`
	State        string `json:"state"`
	PSPReference string `json:"pspReference"`
	Aggregate    struct {
		AuthorizedAmount amount `json:"authorizedAmount"`
		CapturedAmount   amount `json:"capturedAmount"`
		CancelledAmount  amount `json:"cancelledAmount"`
		RefundedAmount   amount `json:"refundedAmount"`
	} `json:"aggregate"`
}

// ParseEvent queries the authoritative payment state for raw.Reference.
// Redirect parameters other than the reference are never used.
func (c *Client) ParseEvent(ctx context.Context, raw payment.RawEvent) (*payment.Event, error) {
	if raw.Reference == "" {
		return nil, errors.New("vipps: reference required")
	}

	var st paymentStatus
	if err := c.do(ctx, http.MethodGet, "/epayment/v1/payments/"+url.PathEscape(raw.Reference), "", nil, &st); err != nil {
		return nil, errors.Wrap(err, "get payment")
	}

	ev := &payment.Event{
		Provider:          payment.ProviderVipps,
		Reference:         raw.Reference,
		ProviderPaymentID: st.PSPReference,
		Amount:            st.Aggregate.AuthorizedAmount.Value,
	}
	switch st.State {
	case "CREATED":
		ev.Outcome = payment.OutcomePending
	case "AUTHORIZED":
		auth := st.Aggregate.AuthorizedAmount.Value
		if auth > 0 && st.Aggregate.CapturedAmount.Value >= auth {
			ev.Outcome = payment.OutcomeCaptured
		} else {
			ev.Outcome = payment.OutcomeAuthorized
		}
	case "TERMINATED", "ABORTED":
		ev.Outcome = payment.OutcomeCancelled
	case "EXPIRED":
		ev.Outcome = payment.OutcomeExpired
	default:
		return nil, errors.Errorf("vipps: unknown payment state %q", st.State)
	}
	return ev, nil
}

type modification struct {
	ModificationAmount amount `json:"modificationAmount"`
}

// Capture captures amount of an authorized payment.
func (c *Client) Capture(ctx context.Context, reference string, value int64) error {
	key := fmt.Sprintf("capture-%s-%d", reference, value)
	if err := c.do(ctx, http.MethodPost, "/epayment/v1/payments/"+url.PathEscape(reference)+"/capture",
		key, modification{ModificationAmount: nok(value)}, nil); err != nil {
		return errors.Wrap(err, "capture payment")
	}
	return nil
}

// Cancel releases an authorized, uncaptured payment.
func (c *Client) Cancel(ctx context.Context, reference string) error {
	if err := c.do(ctx, http.MethodPost, "/epayment/v1/payments/"+url.PathEscape(reference)+"/cancel",
		"cancel-"+reference, struct{}{}, nil); err != nil {
		return errors.Wrap(err, "cancel payment")
	}
	return nil
}

// Refund refunds amount of a captured payment.
func (c *Client) Refund(ctx context.Context, reference string, value int64) error {
	key := fmt.Sprintf("refund-%s-%d", reference, value)
	if err := c.do(ctx, http.MethodPost, "/epayment/v1/payments/"+url.PathEscape(reference)+"/refund",
		key, modification{ModificationAmount: nok(value)}, nil); err != nil {
		return errors.Wrap(err, "refund payment")
	}
	return nil
}

// accessToken returns a cached token, fetching a new one shortly before the
// old one expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/accesstoken/get", http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "create token request")
	}
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("client_secret", c.cfg.ClientSecret)
	c.setCommonHeaders(req)

	var tok struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := c.send(req, &tok); err != nil {
		return "", errors.Wrap(err, "fetch access token")
	}
	// expires_in is documented as a string but has been seen as a number.
	secs, err := strconv.ParseInt(strings.Trim(string(tok.ExpiresIn), `"`), 10, 64)
	if err != nil {
		secs = 3600
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(secs) * time.Second)
	return c.token, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.cfg.MerchantSerialNumber)
	req.Header.Set("Vipps-System-Name", c.cfg.SystemName)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.setCommonHeaders(req)
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
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
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &problem) == nil {
			apiErr.Title, apiErr.Detail = problem.Title, problem.Detail
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func description(oc *payment.OrderContext) string {
	if len(oc.Items) == 1 {
		return oc.Items[0].Title
	}
	return fmt.Sprintf("Popkunst: %d artworks", len(oc.Items))
}

// normalizePhone returns an MSISDN without "+" or spaces, defaulting to the
// Norwegian country code for 8-digit numbers.
func normalizePhone(p string) string {
	p = strings.NewReplacer(" ", "", "+", "", "-", "").Replace(p)
	if len(p) == 8 {
		p = "47" + p
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return p
}
