// Package email queues transactional emails and delivers them with retries.
// Delivery never affects order correctness.
package email

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies an email template.
type Type string

const (
	TypeOrderConfirmation    Type = "order_confirmation"
	TypeAdminNewOrder        Type = "admin_new_order"
	TypeInventoryAlert       Type = "inventory_alert"
	TypeShippingNotification Type = "shipping_notification"
	TypeRefundConfirmation   Type = "refund_confirmation"
	TypeOrderCancelled       Type = "order_cancelled"
)

// Status is the delivery state of a queued email.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Queued is a persisted email awaiting or past delivery.
type Queued struct {
	ID            string
	Type          Type
	Recipient     string
	Subject       string
	RelatedEntity string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	MaxAttempts   int
	NextAttemptAt *time.Time
	LastError     string
	SentAt        *time.Time
	CreatedAt     time.Time
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Queue persists queued emails.
type Queue interface {
	Insert(ctx context.Context, q *Queued) error
	// ClaimDue moves up to limit due pending or retryable emails to
	// processing and increments their attempts. Concurrent workers never
	// claim the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Queued, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. A nil next stops retries.
	MarkFailed(ctx context.Context, id, lastError string, next *time.Time) error
	// DeleteFinishedBefore removes sent and cancelled emails created
	// before the cutoff.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
	// ReleaseStuck returns processing rows claimed before the cutoff to
	// pending.
	ReleaseStuck(ctx context.Context, before time.Time) (int, error)
}
