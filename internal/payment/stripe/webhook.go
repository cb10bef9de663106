package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/popkunst/storefront/internal/domain/payment"
)

// session is the subset of a Checkout Session the adapter reads.
type session struct {
	ID            string
	URL           string
	Status        string
	PaymentStatus string
	PaymentIntent string
	AmountTotal   int64
	Metadata      map[string]string
}

func (s *session) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var err error
		switch string(key) {
		case "id":
			s.ID, err = d.Str()
		case "url":
			s.URL, err = d.Str()
		case "status":
			s.Status, err = d.Str()
		case "payment_status":
			s.PaymentStatus, err = d.Str()
		case "amount_total":
			s.AmountTotal, err = d.Int64()
		case "payment_intent":
			s.PaymentIntent, err = decodeID(d)
		case "metadata":
			s.Metadata = make(map[string]string)
			err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				v, err := d.Str()
				s.Metadata[string(key)] = v
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

// decodeID reads either an id string or an expanded object with an id.
func decodeID(d *jx.Decoder) (string, error) {
	if d.Next() == jx.String {
		return d.Str()
	}
	var id string
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "id" {
			return d.Skip()
		}
		var err error
		id, err = d.Str()
		return err
	})
	return id, err
}

// event is a webhook envelope. Object holds the raw data.object.
type event struct {
	ID     string
	Type   string
	Object jx.Raw
}

func (e *event) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			e.ID, err = d.Str()
		case "type":
			e.Type, err = d.Str()
		case "data":
			err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "object" {
					return d.Skip()
				}
				raw, err := d.Raw()
				e.Object = append(jx.Raw(nil), raw...)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

// VerifySignature checks a Stripe-Signature header of the form
// t=timestamp,v1=signature[,v1=...] against payload.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.Wrap(payment.ErrInvalidSignature, "bad timestamp")
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return errors.Wrap(payment.ErrInvalidSignature, "malformed header")
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return errors.Wrap(payment.ErrInvalidSignature, "timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return errors.Wrap(payment.ErrInvalidSignature, "no matching signature")
}

// ParseEvent verifies and normalizes a webhook. With an empty payload and
// a reference it queries the session instead, which is used to re-verify
// orders out of band.
func (c *Client) ParseEvent(ctx context.Context, raw payment.RawEvent) (*payment.Event, error) {
	if len(raw.Payload) == 0 && raw.Reference != "" {
		s, err := c.retrieveSession(ctx, raw.Reference)
		if err != nil {
			return nil, err
		}
		return sessionEvent(s, sessionOutcome(s))
	}

	if err := VerifySignature(raw.Payload, raw.Signature, c.cfg.WebhookSecret, c.cfg.Tolerance, c.now()); err != nil {
		return nil, err
	}

	var ev event
	if err := ev.Decode(jx.DecodeBytes(raw.Payload)); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}

	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		s, err := decodeSession(ev.Object)
		if err != nil {
			return nil, err
		}
		if s.PaymentStatus != "paid" {
			// Delayed payment methods complete later with async_payment_succeeded.
			return sessionEvent(s, payment.OutcomePending)
		}
		return sessionEvent(s, payment.OutcomeCaptured)
	case "checkout.session.async_payment_failed":
		s, err := decodeSession(ev.Object)
		if err != nil {
			return nil, err
		}
		return sessionEvent(s, payment.OutcomeFailed)
	case "checkout.session.expired":
		s, err := decodeSession(ev.Object)
		if err != nil {
			return nil, err
		}
		return sessionEvent(s, payment.OutcomeExpired)
	case "payment_intent.payment_failed":
		var id string
		if err := jx.DecodeBytes(ev.Object).ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "id" {
				return d.Skip()
			}
			var err error
			id, err = d.Str()
			return err
		}); err != nil {
			return nil, errors.Wrap(err, "decode payment intent")
		}
		return &payment.Event{
			Provider:          payment.ProviderStripe,
			Reference:         id,
			ProviderPaymentID: id,
			Outcome:           payment.OutcomeFailed,
		}, nil
	default:
		return nil, errors.Wrapf(payment.ErrIgnoredEvent, "type %q", ev.Type)
	}
}

func decodeSession(raw jx.Raw) (*session, error) {
	var s session
	if err := s.Decode(jx.DecodeBytes(raw)); err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	if s.ID == "" {
		return nil, errors.New("session without id")
	}
	return &s, nil
}

func sessionOutcome(s *session) payment.Outcome {
	switch {
	case s.PaymentStatus == "paid":
		return payment.OutcomeCaptured
	case s.Status == "expired":
		return payment.OutcomeExpired
	default:
		return payment.OutcomePending
	}
}

func sessionEvent(s *session, outcome payment.Outcome) (*payment.Event, error) {
	ev := &payment.Event{
		Provider:          payment.ProviderStripe,
		Reference:         s.ID,
		ProviderPaymentID: s.PaymentIntent,
		Outcome:           outcome,
		Amount:            s.AmountTotal,
	}
	if outcome.Completed() {
		oc, err := decodeMetadata(s.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "order context")
		}
		ev.Order = oc
	}
	return ev, nil
}
