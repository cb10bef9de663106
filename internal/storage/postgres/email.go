package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/popkunst/storefront/internal/domain/email"
)

const (
	emailColumns = `id, email_type, recipient, subject, related_entity, payload, status, attempts, max_attempts,
		next_attempt_at, last_error, sent_at, created_at`

	insertEmailSQL = `INSERT INTO email_queue (` + emailColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	// claimDueEmailsSQL lets concurrent drains split the due rows between
	// them instead of blocking on each other.
	claimDueEmailsSQL = `WITH due AS (
			SELECT id FROM email_queue
			WHERE status IN ('pending', 'failed')
				AND next_attempt_at <= $1
				AND attempts < max_attempts
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_queue e
		SET status = 'processing', attempts = e.attempts + 1, claimed_at = $1
		FROM due
		WHERE e.id = due.id
		RETURNING e.id, e.email_type, e.recipient, e.subject, e.related_entity, e.payload, e.status,
			e.attempts, e.max_attempts, e.next_attempt_at, e.last_error, e.sent_at, e.created_at`

	markEmailSentSQL = `UPDATE email_queue
		SET status = 'sent', sent_at = $2, next_attempt_at = NULL, claimed_at = NULL
		WHERE id = $1`

	markEmailFailedSQL = `UPDATE email_queue
		SET status = 'failed', last_error = $2, next_attempt_at = $3, claimed_at = NULL
		WHERE id = $1`

	deleteFinishedEmailsSQL = `DELETE FROM email_queue
		WHERE status IN ('sent', 'cancelled') AND created_at < $1`

	releaseStuckEmailsSQL = `UPDATE email_queue
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`
)

var _ email.Queue = (*EmailQueue)(nil)

// EmailQueue implements email.Queue backed by PostgreSQL.
type EmailQueue struct {
	pool *pgxpool.Pool
}

// NewEmailQueue returns an EmailQueue that uses the given pool.
func NewEmailQueue(pool *pgxpool.Pool) *EmailQueue {
	return &EmailQueue{pool: pool}
}

func (q *EmailQueue) Insert(ctx context.Context, e *email.Queued) error {
	_, err := q.pool.Exec(ctx, insertEmailSQL,
		e.ID, string(e.Type), e.Recipient, e.Subject, e.RelatedEntity, []byte(e.Payload), string(e.Status),
		e.Attempts, e.MaxAttempts, e.NextAttemptAt, e.LastError, e.SentAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting email %q: %w", e.ID, err)
	}
	return nil
}

func (q *EmailQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]email.Queued, error) {
	rows, err := q.pool.Query(ctx, claimDueEmailsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due emails: %w", err)
	}
	claimed, err := pgx.CollectRows(rows, scanEmail)
	if err != nil {
		return nil, fmt.Errorf("scanning claimed emails: %w", err)
	}
	return claimed, nil
}

func (q *EmailQueue) MarkSent(ctx context.Context, id string, at time.Time) error {
	if _, err := q.pool.Exec(ctx, markEmailSentSQL, id, at); err != nil {
		return fmt.Errorf("marking email %q sent: %w", id, err)
	}
	return nil
}

func (q *EmailQueue) MarkFailed(ctx context.Context, id, lastError string, next *time.Time) error {
	if _, err := q.pool.Exec(ctx, markEmailFailedSQL, id, lastError, next); err != nil {
		return fmt.Errorf("marking email %q failed: %w", id, err)
	}
	return nil
}

func (q *EmailQueue) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, deleteFinishedEmailsSQL, before)
	if err != nil {
		return 0, fmt.Errorf("deleting finished emails: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *EmailQueue) ReleaseStuck(ctx context.Context, before time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, releaseStuckEmailsSQL, before)
	if err != nil {
		return 0, fmt.Errorf("releasing stuck emails: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEmail(row pgx.CollectableRow) (email.Queued, error) {
	var (
		e           email.Queued
		typ, status string
		payload     []byte
	)
	err := row.Scan(
		&e.ID, &typ, &e.Recipient, &e.Subject, &e.RelatedEntity, &payload, &status,
		&e.Attempts, &e.MaxAttempts, &e.NextAttemptAt, &e.LastError, &e.SentAt, &e.CreatedAt,
	)
	e.Type, e.Status, e.Payload = email.Type(typ), email.Status(status), payload
	return e, err
}
