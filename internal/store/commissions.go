package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vpnportal/ledger/internal/domain"
)

const commissionColumns = `
	id, affiliate_id, payment_id, referral_id, amount, currency, commission_rate, status,
	approved_at, paid_at, payout_transaction_id, notes, created_at, updated_at
`

func scanCommission(row pgx.Row) (*domain.Commission, error) {
	var c domain.Commission
	if err := row.Scan(
		&c.ID,
		&c.AffiliateID,
		&c.PaymentID,
		&c.ReferralID,
		&c.Amount,
		&c.Currency,
		&c.CommissionRate,
		&c.Status,
		&c.ApprovedAt,
		&c.PaidAt,
		&c.PayoutTransactionID,
		&c.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	return &c, nil
}

// InsertCommission relies on the unique payment_id constraint as the double-commission guard.
// The conflict is absorbed in SQL so the surrounding transaction stays usable.
func (q *queries) InsertCommission(ctx context.Context, c *domain.Commission) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO commissions (id, affiliate_id, payment_id, referral_id, amount, currency, commission_rate, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT commissions_payment_id_key DO NOTHING
		RETURNING created_at, updated_at
	`, c.ID, c.AffiliateID, c.PaymentID, c.ReferralID, c.Amount, c.Currency, c.CommissionRate, c.Status, c.Notes).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err, "commissions_payment_id_key") {
			return ErrCommissionExists
		}
		return err
	}
	return nil
}

func (q *queries) GetCommission(ctx context.Context, id uuid.UUID) (*domain.Commission, error) {
	return scanCommission(q.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1`, id))
}

func (q *queries) GetCommissionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Commission, error) {
	return scanCommission(q.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1 FOR UPDATE`, id))
}

func (q *queries) UpdateCommission(ctx context.Context, c *domain.Commission) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE commissions
		SET status = $2,
			approved_at = $3,
			paid_at = $4,
			payout_transaction_id = $5,
			notes = $6,
			updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Status, c.ApprovedAt, c.PaidAt, c.PayoutTransactionID, c.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCommissionNotFound
	}
	return nil
}

// buildCommissionFilter renders the WHERE clause and args for a CommissionFilter.
func buildCommissionFilter(f CommissionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.AffiliateID != nil {
		add("affiliate_id = $%d", *f.AffiliateID)
	}
	if f.ReferralID != nil {
		add("referral_id = $%d", *f.ReferralID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.IDs != nil {
		// text[] encodes under every exec mode; []uuid.UUID has no simple-protocol encoding.
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id.String()
		}
		add("id = ANY($%d::uuid[])", ids)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	return where, args
}

// commissionListQuery builds the listing statement. A zero Limit lists every matching row;
// a positive one is capped at MaxCommissionListLimit.
func commissionListQuery(f CommissionFilter, lock bool) (string, []any) {
	where, args := buildCommissionFilter(f)
	query := fmt.Sprintf(`SELECT %s FROM commissions%s ORDER BY created_at, id`, commissionColumns, where)
	if f.Limit > 0 {
		args = append(args, clampLimit(f.Limit, MaxCommissionListLimit, MaxCommissionListLimit))
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if lock {
		query += " FOR UPDATE"
	}
	return query, args
}

func (q *queries) listCommissions(ctx context.Context, f CommissionFilter, lock bool) ([]domain.Commission, error) {
	query, args := commissionListQuery(f, lock)
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commissions []domain.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		commissions = append(commissions, *c)
	}
	return commissions, rows.Err()
}

func (q *queries) ListCommissions(ctx context.Context, f CommissionFilter) ([]domain.Commission, error) {
	return q.listCommissions(ctx, f, false)
}

func (q *queries) ListCommissionsForUpdate(ctx context.Context, f CommissionFilter) ([]domain.Commission, error) {
	return q.listCommissions(ctx, f, true)
}

// ListMaturedCommissions returns pending commissions older than createdBefore whose
// payment is still successful.
func (q *queries) ListMaturedCommissions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Commission, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+prefixColumns("c", commissionColumns)+`
		FROM commissions c
		JOIN payments p ON p.id = c.payment_id
		WHERE c.status = 'pending'
		  AND c.created_at < $1
		  AND p.status IN ('paid', 'overpaid')
		ORDER BY c.created_at
		LIMIT $2
	`, createdBefore, clampLimit(limit, 200, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commissions []domain.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		commissions = append(commissions, *c)
	}
	return commissions, rows.Err()
}

func (q *queries) ListPaidCommissions(ctx context.Context, from, to time.Time) ([]domain.PayoutExportRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT c.paid_at, a.id, a.code, c.id, c.amount, c.currency,
		       COALESCE(c.payout_transaction_id, ''), a.payout_currency
		FROM commissions c
		JOIN affiliates a ON a.id = c.affiliate_id
		WHERE c.status = 'paid' AND c.paid_at >= $1 AND c.paid_at < $2
		ORDER BY c.paid_at, c.id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PayoutExportRow
	for rows.Next() {
		var row domain.PayoutExportRow
		if err := rows.Scan(
			&row.PaidAt,
			&row.AffiliateID,
			&row.AffiliateCode,
			&row.CommissionID,
			&row.Amount,
			&row.Currency,
			&row.TransactionID,
			&row.PayoutCurrency,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
