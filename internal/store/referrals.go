package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vpnportal/ledger/internal/domain"
)

const referralColumns = `
	id, affiliate_id, user_id, referral_code, COALESCE(ip_hash, ''), COALESCE(landing_page, ''),
	status, clicked_at, converted_at, created_at
`

func scanReferral(row pgx.Row) (*domain.Referral, error) {
	var r domain.Referral
	if err := row.Scan(
		&r.ID,
		&r.AffiliateID,
		&r.UserID,
		&r.ReferralCode,
		&r.IPHash,
		&r.LandingPage,
		&r.Status,
		&r.ClickedAt,
		&r.ConvertedAt,
		&r.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (q *queries) CreateReferral(ctx context.Context, r *domain.Referral) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO referrals (id, affiliate_id, user_id, referral_code, ip_hash, landing_page, status, clicked_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING created_at
	`, r.ID, r.AffiliateID, r.UserID, r.ReferralCode, r.IPHash, r.LandingPage, r.Status, r.ClickedAt).Scan(&r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "referrals_user_id_key") {
			return ErrReferralExists
		}
		return err
	}
	return nil
}

func (q *queries) GetReferralForUpdate(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	return scanReferral(q.db.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1 FOR UPDATE`, id))
}

// GetReferralByUserForUpdate holds the referral row so a concurrent rejection waits for the
// commission being created against it.
func (q *queries) GetReferralByUserForUpdate(ctx context.Context, userID uuid.UUID) (*domain.Referral, error) {
	return scanReferral(q.db.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE user_id = $1 FOR UPDATE`, userID))
}

func (q *queries) UpdateReferral(ctx context.Context, r *domain.Referral) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE referrals SET status = $2, converted_at = $3 WHERE id = $1
	`, r.ID, r.Status, r.ConvertedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReferralNotFound
	}
	return nil
}

func (q *queries) CreateClick(ctx context.Context, c *domain.AffiliateClick) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO affiliate_clicks (id, affiliate_id, ip_hash, landing_page, clicked_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`, c.ID, c.AffiliateID, c.IPHash, c.LandingPage, c.ClickedAt)
	return err
}

// MarkClicksConverted flags the affiliate's unconverted clicks from ipHash since the given time.
func (q *queries) MarkClicksConverted(ctx context.Context, affiliateID uuid.UUID, ipHash string, since, now time.Time) (int64, error) {
	if ipHash == "" {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE affiliate_clicks
		SET converted = TRUE, converted_at = $4
		WHERE affiliate_id = $1 AND ip_hash = $2 AND clicked_at >= $3 AND converted = FALSE
	`, affiliateID, ipHash, since, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
