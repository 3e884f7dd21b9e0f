package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vpnportal/ledger/internal/domain"
)

const subscriptionColumns = `id, user_id, plan_id, status, started_at, expires_at, cancelled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Status,
		&s.StartedAt,
		&s.ExpiresAt,
		&s.CancelledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (q *queries) CreateSubscription(ctx context.Context, s *domain.Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return q.db.QueryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, status, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, s.ID, s.UserID, s.PlanID, s.Status, s.StartedAt, s.ExpiresAt).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (q *queries) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

// userSubscriptionsLockClass namespaces the per-user advisory locks.
const userSubscriptionsLockClass = "subscriptions"

// LockUserSubscriptions takes a transaction-scoped advisory lock keyed by the user. Row locks
// cannot cover a user who has no subscription yet.
func (q *queries) LockUserSubscriptions(ctx context.Context, userID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text), hashtext($2::text))`,
		userSubscriptionsLockClass, userID.String())
	return err
}

// GetCurrentSubscriptionForUpdate returns the user's active, unexpired subscription with the
// latest expiry, locked for the rest of the transaction.
func (q *queries) GetCurrentSubscriptionForUpdate(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY expires_at DESC
		LIMIT 1
		FOR UPDATE
	`, userID, now))
}

func (q *queries) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $2, expires_at = $3, cancelled_at = $4, updated_at = NOW()
		WHERE id = $1
	`, s.ID, s.Status, s.ExpiresAt, s.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (q *queries) ListLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, clampLimit(limit, 200, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}
