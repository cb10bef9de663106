// Package mailer sends rendered emails through a transactional email HTTP API.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/popkunst/storefront/internal/domain/email"
)

var _ email.Sender = (*Client)(nil)

// Config configures the email API client.
type Config struct {
	BaseURL string
	APIKey  string
	From    string
	ReplyTo string
}

// Client posts messages to the email API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. A nil httpClient gets an instrumented default.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.resend.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Send delivers msg. Any non-2xx response is an error so the dispatcher can
// schedule a retry.
func (c *Client) Send(ctx context.Context, msg email.Message) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("from", func(e *jx.Encoder) { e.Str(c.cfg.From) })
		e.Field("to", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) { e.Str(msg.To) })
		})
		if c.cfg.ReplyTo != "" {
			e.Field("reply_to", func(e *jx.Encoder) { e.Str(c.cfg.ReplyTo) })
		}
		e.Field("subject", func(e *jx.Encoder) { e.Str(msg.Subject) })
		e.Field("html", func(e *jx.Encoder) { e.Str(msg.HTML) })
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/emails", bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// APIError is a rejected send.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("email api: status %d: %s", e.StatusCode, e.Body)
}
