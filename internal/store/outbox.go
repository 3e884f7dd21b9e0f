package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const maxOutboxErrorLength = 2000

// EnqueueEvent writes an event into ledger_outbox. Called inside a transaction it commits
// or rolls back together with the state change it describes.
func (q *queries) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO ledger_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	limit = clampLimit(limit, 50, 500)
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM ledger_outbox
			WHERE (status = 'pending' AND next_attempt_at <= NOW())
			   OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ledger_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payload, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payload)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_outbox
		SET status = 'published', published_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncate(reason, maxOutboxErrorLength))
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
