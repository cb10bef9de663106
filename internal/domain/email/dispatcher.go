package email

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config controls retry and retention policy.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Concurrency int
	Retention   time.Duration
	StuckAfter  time.Duration
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: time.Minute,
		BackoffMax:  6 * time.Hour,
		Concurrency: 4,
		Retention:   30 * 24 * time.Hour,
		StuckAfter:  15 * time.Minute,
	}
}

// Report summarizes a drain run.
type Report struct {
	Processed int
	Sent      int
	Failed    int
}

// Dispatcher enqueues and delivers emails.
type Dispatcher struct {
	cfg      Config
	queue    Queue
	sender   Sender
	renderer *Renderer
	now      func() time.Time

	sent   metric.Int64Counter
	failed metric.Int64Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, queue Queue, sender Sender, renderer *Renderer, mp metric.MeterProvider) (*Dispatcher, error) {
	meter := mp.Meter("storefront/email")
	d := &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		sender:   sender,
		renderer: renderer,
		now:      time.Now,
	}

	var err error
	if d.sent, err = meter.Int64Counter("emails.sent"); err != nil {
		return nil, errors.Wrap(err, "emails.sent")
	}
	if d.failed, err = meter.Int64Counter("emails.failed"); err != nil {
		return nil, errors.Wrap(err, "emails.failed")
	}
	return d, nil
}

// Enqueue stores an email for later delivery and returns its id.
func (d *Dispatcher) Enqueue(ctx context.Context, t Type, recipient, relatedEntity string, payload *Payload) (string, error) {
	if recipient == "" {
		return "", errors.Errorf("enqueue %s: empty recipient", t)
	}
	subject, err := d.renderer.Subject(t, payload)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}

	now := d.now()
	q := &Queued{
		ID:            uuid.NewString(),
		Type:          t,
		Recipient:     recipient,
		Subject:       subject,
		RelatedEntity: relatedEntity,
		Payload:       raw,
		Status:        StatusPending,
		MaxAttempts:   d.cfg.MaxAttempts,
		NextAttemptAt: &now,
		CreatedAt:     now,
	}
	if err := d.queue.Insert(ctx, q); err != nil {
		return "", errors.Wrapf(err, "insert %s email", t)
	}
	return q.ID, nil
}

// DrainPending delivers up to batch due emails. A queue error on one row
// does not stop the others: the report covers the whole batch and the
// errors are returned combined.
func (d *Dispatcher) DrainPending(ctx context.Context, batch int) (Report, error) {
	now := d.now()
	claimed, err := d.queue.ClaimDue(ctx, now, batch)
	if err != nil {
		return Report{}, errors.Wrap(err, "claim due emails")
	}

	var (
		mu      sync.Mutex
		rep     = Report{Processed: len(claimed)}
		rowErrs error
		g       errgroup.Group
	)
	g.SetLimit(max(d.cfg.Concurrency, 1))
	for i := range claimed {
		g.Go(func() error {
			sent, err := d.deliver(ctx, &claimed[i])

			mu.Lock()
			defer mu.Unlock()
			if sent {
				rep.Sent++
			} else {
				rep.Failed++
			}
			rowErrs = multierr.Append(rowErrs, err)
			return nil
		})
	}
	_ = g.Wait()
	return rep, rowErrs
}

// deliver sends one email and reports whether it went out. Send failures
// are recorded on the row; only queue errors are returned.
func (d *Dispatcher) deliver(ctx context.Context, q *Queued) (bool, error) {
	lg := zctx.From(ctx).With(
		zap.String("email_id", q.ID),
		zap.String("type", string(q.Type)),
		zap.Int("attempt", q.Attempts),
	)
	attrs := metric.WithAttributes(attribute.String("type", string(q.Type)))

	sendErr := d.send(ctx, q)
	if sendErr == nil {
		d.sent.Add(ctx, 1, attrs)
		if err := d.queue.MarkSent(ctx, q.ID, d.now()); err != nil {
			// Left processing; ReleaseStuck requeues it.
			lg.Error("Email sent but not marked", zap.Error(err))
			return true, errors.Wrapf(err, "mark %s sent", q.ID)
		}
		return true, nil
	}

	d.failed.Add(ctx, 1, attrs)
	var next *time.Time
	if q.Attempts < q.MaxAttempts {
		at := d.now().Add(d.backoff(q.Attempts))
		next = &at
		lg.Warn("Email delivery failed, will retry", zap.Time("next_attempt_at", at), zap.Error(sendErr))
	} else {
		lg.Error("Email delivery failed permanently", zap.Error(sendErr))
	}
	if err := d.queue.MarkFailed(ctx, q.ID, sendErr.Error(), next); err != nil {
		lg.Error("Email failure not recorded", zap.Error(err))
		return false, errors.Wrapf(err, "mark %s failed", q.ID)
	}
	return false, nil
}

func (d *Dispatcher) send(ctx context.Context, q *Queued) error {
	var payload Payload
	if err := json.Unmarshal(q.Payload, &payload); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	html, err := d.renderer.Body(q.Type, &payload)
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, Message{To: q.Recipient, Subject: q.Subject, HTML: html})
}

// backoff returns the delay before the next attempt after n attempts.
func (d *Dispatcher) backoff(n int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	return min(delay, d.cfg.BackoffMax)
}

// Purge deletes finished emails past retention and releases rows stuck in
// processing. It returns the number of rows cleaned.
func (d *Dispatcher) Purge(ctx context.Context) (int, error) {
	now := d.now()
	deleted, err := d.queue.DeleteFinishedBefore(ctx, now.Add(-d.cfg.Retention))
	if err != nil {
		return 0, errors.Wrap(err, "delete finished emails")
	}
	released, err := d.queue.ReleaseStuck(ctx, now.Add(-d.cfg.StuckAfter))
	if err != nil {
		return deleted, errors.Wrap(err, "release stuck emails")
	}
	if released > 0 {
		zctx.From(ctx).Warn("Released stuck emails", zap.Int("count", released))
	}
	return deleted + released, nil
}
