package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vpnportal/ledger/internal/domain"
)

const paymentColumns = `
	id, user_id, plan_id, subscription_id, amount, currency, status, processor_id,
	payment_address, crypto_currency, crypto_amount, transaction_id, webhook_secret,
	COALESCE(processor_data::text, ''), paid_at, expires_at, created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p             domain.Payment
		processorData string
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.PlanID,
		&p.SubscriptionID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.ProcessorID,
		&p.PaymentAddress,
		&p.CryptoCurrency,
		&p.CryptoAmount,
		&p.TransactionID,
		&p.WebhookSecret,
		&processorData,
		&p.PaidAt,
		&p.ExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if processorData != "" {
		p.ProcessorData = json.RawMessage(processorData)
	}
	return &p, nil
}

func (q *queries) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	var plan domain.Plan
	err := q.db.QueryRow(ctx, `
		SELECT id, name, price, currency, duration_days, lifetime, device_limit
		FROM plans
		WHERE id = $1
	`, id).Scan(&plan.ID, &plan.Name, &plan.Price, &plan.Currency, &plan.DurationDays, &plan.Lifetime, &plan.DeviceLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (q *queries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, user_id, plan_id, amount, currency, status, processor_id, payment_address,
			crypto_currency, crypto_amount, webhook_secret, processor_data, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		RETURNING created_at, updated_at
	`
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return q.db.QueryRow(ctx, query,
		p.ID,
		p.UserID,
		p.PlanID,
		p.Amount,
		p.Currency,
		p.Status,
		p.ProcessorID,
		p.PaymentAddress,
		p.CryptoCurrency,
		p.CryptoAmount,
		p.WebhookSecret,
		jsonText(p.ProcessorData),
		p.ExpiresAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (q *queries) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetPaymentForUpdate locks the payment row until the surrounding transaction ends.
func (q *queries) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// UpdatePayment writes the fields the webhook pipeline and completion step own.
func (q *queries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments
		SET status = $2,
			transaction_id = $3,
			processor_data = $4::jsonb,
			subscription_id = $5,
			paid_at = $6,
			updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Status, p.TransactionID, jsonText(p.ProcessorData), p.SubscriptionID, p.PaidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (q *queries) ListExpiredPendingPayments(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, clampLimit(limit, 200, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (q *queries) InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) (bool, error) {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	var receivedAt time.Time
	err := q.db.QueryRow(ctx, `
		INSERT INTO webhook_logs (id, payment_id, status, source_ip, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (payment_id, status) DO NOTHING
		RETURNING received_at
	`, log.ID, log.PaymentID, log.Status, log.SourceIP, jsonText(log.Payload)).Scan(&receivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	log.ReceivedAt = receivedAt
	return true, nil
}
