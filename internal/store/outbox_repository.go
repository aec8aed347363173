/**
 * @description
 * Transactional outbox for domain events. Rows are written in the same
 * transaction as the state change they describe and later relayed to RabbitMQ
 * by the outbox dispatcher.
 *
 * A row moves pending -> processing -> published. A failed publish puts it
 * back to pending with a later next_attempt_at; a row left in processing by a
 * crashed dispatcher becomes claimable again once it is stale.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"

	defaultOutboxBatch      = 50
	defaultOutboxStaleAfter = 120
	maxOutboxErrorLength    = 2000
)

// ClaimOutboxMessages marks up to limit due rows as processing and returns
// them, oldest first. Concurrent dispatchers never claim the same row.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = defaultOutboxStaleAfter
	}

	rows, err := r.db.Query(ctx, `
		UPDATE event_outbox
		SET status = $3,
			processing_started_at = NOW(),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM event_outbox
			WHERE (status = $4 AND next_attempt_at <= NOW())
			   OR (status = $3 AND processing_started_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, exchange, routing_key, payload::text, attempts
	`, limit, staleAfterSeconds, outboxProcessing, outboxPending)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var (
			msg     OutboxMessage
			payload string
		)
		err := row.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payload, &msg.Attempts)
		msg.Payload = []byte(payload)
		return msg, err
	})
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.setOutboxStatus(ctx, id, `
		UPDATE event_outbox
		SET status = $2, published_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = $1
	`, outboxPublished)
}

// MarkOutboxFailed returns the row to pending, due after retryAfterSeconds,
// and keeps a truncated copy of the publish error.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	retryAfterSeconds = max(retryAfterSeconds, 1)
	if len(reason) > maxOutboxErrorLength {
		reason = reason[:maxOutboxErrorLength]
	}
	return r.setOutboxStatus(ctx, id, `
		UPDATE event_outbox
		SET status = $2,
			next_attempt_at = NOW() + make_interval(secs => $3),
			processing_started_at = NULL,
			last_error = $4
		WHERE id = $1
	`, outboxPending, retryAfterSeconds, reason)
}

func (r *PostgresRepository) setOutboxStatus(ctx context.Context, id int64, query string, args ...any) error {
	if _, err := r.db.Exec(ctx, query, append([]any{id}, args...)...); err != nil {
		return fmt.Errorf("update outbox row %d: %w", id, err)
	}
	return nil
}

// enqueueEventTx writes an event row inside tx. It is published only if tx commits.
func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", routingKey, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO event_outbox (exchange, routing_key, payload) VALUES ($1, $2, $3::jsonb)`,
		strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(payload),
	); err != nil {
		return fmt.Errorf("enqueue %s event: %w", routingKey, err)
	}
	return nil
}
