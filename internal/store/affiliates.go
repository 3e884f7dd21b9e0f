package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/domain"
)

const affiliateColumns = `
	id, user_id, code, commission_rate, status, payout_currency, COALESCE(payout_address, ''),
	minimum_payout_amount, pending_balance, lifetime_earnings, paid_out_total, created_at, updated_at
`

func scanAffiliate(row pgx.Row) (*domain.Affiliate, error) {
	var a domain.Affiliate
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Code,
		&a.CommissionRate,
		&a.Status,
		&a.PayoutCurrency,
		&a.PayoutAddress,
		&a.MinimumPayoutAmount,
		&a.PendingBalance,
		&a.LifetimeEarnings,
		&a.PaidOutTotal,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (q *queries) CreateAffiliate(ctx context.Context, a *domain.Affiliate) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO affiliates (id, user_id, code, commission_rate, status, payout_currency, payout_address, minimum_payout_amount)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING pending_balance, lifetime_earnings, paid_out_total, created_at, updated_at
	`, a.ID, a.UserID, a.Code, a.CommissionRate, a.Status, a.PayoutCurrency, a.PayoutAddress, a.MinimumPayoutAmount).
		Scan(&a.PendingBalance, &a.LifetimeEarnings, &a.PaidOutTotal, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "affiliates_code_key") {
			return ErrAffiliateCodeTaken
		}
		return err
	}
	return nil
}

func (q *queries) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return scanAffiliate(q.db.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1`, id))
}

// GetAffiliateForUpdate serialises every balance change and settings update of one affiliate.
func (q *queries) GetAffiliateForUpdate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return scanAffiliate(q.db.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1 FOR UPDATE`, id))
}

func (q *queries) GetAffiliateByCode(ctx context.Context, code string) (*domain.Affiliate, error) {
	return scanAffiliate(q.db.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE code = $1`, domain.NormalizeAffiliateCode(code)))
}

// UpdateAffiliateSettings writes the administrator-controlled fields. Balances are never
// written here.
func (q *queries) UpdateAffiliateSettings(ctx context.Context, a *domain.Affiliate) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE affiliates
		SET commission_rate = $2,
			status = $3,
			payout_currency = $4,
			payout_address = NULLIF($5, ''),
			minimum_payout_amount = $6,
			updated_at = NOW()
		WHERE id = $1
	`, a.ID, a.CommissionRate, a.Status, a.PayoutCurrency, a.PayoutAddress, a.MinimumPayoutAmount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// RecomputeAffiliateBalances locks the affiliate first and aggregates in a second statement.
// Under READ COMMITTED that statement takes its snapshot after the lock is granted, so the
// sums include every commission committed by the previous holder.
func (q *queries) RecomputeAffiliateBalances(ctx context.Context, affiliateID uuid.UUID) (domain.Balances, error) {
	var locked uuid.UUID
	if err := q.db.QueryRow(ctx, `SELECT id FROM affiliates WHERE id = $1 FOR UPDATE`, affiliateID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balances{}, ErrAffiliateNotFound
		}
		return domain.Balances{}, err
	}

	var b domain.Balances
	err := q.db.QueryRow(ctx, `
		UPDATE affiliates a
		SET pending_balance = agg.pending,
			lifetime_earnings = agg.lifetime,
			paid_out_total = agg.paid,
			updated_at = NOW()
		FROM (
			SELECT
				COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0) AS pending,
				COALESCE(SUM(amount) FILTER (WHERE status IN ('approved', 'paid')), 0) AS lifetime,
				COALESCE(SUM(amount) FILTER (WHERE status = 'paid'), 0) AS paid
			FROM commissions
			WHERE affiliate_id = $1
		) agg
		WHERE a.id = $1
		RETURNING a.pending_balance, a.lifetime_earnings, a.paid_out_total
	`, affiliateID).Scan(&b.PendingBalance, &b.LifetimeEarnings, &b.PaidOutTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balances{}, ErrAffiliateNotFound
		}
		return domain.Balances{}, err
	}
	return b, nil
}

func (q *queries) ListEligibleAffiliates(ctx context.Context, minBalance decimal.Decimal) ([]domain.Affiliate, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+affiliateColumns+`
		FROM affiliates
		WHERE status = 'active'
		  AND pending_balance > minimum_payout_amount
		  AND pending_balance >= $1
		ORDER BY pending_balance DESC, id
	`, minBalance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var affiliates []domain.Affiliate
	for rows.Next() {
		a, err := scanAffiliate(rows)
		if err != nil {
			return nil, err
		}
		affiliates = append(affiliates, *a)
	}
	return affiliates, rows.Err()
}
