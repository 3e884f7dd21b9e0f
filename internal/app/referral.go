package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/vpnportal/ledger/internal/domain"
)

// AttributeSignupInput ties a freshly registered user to an affiliate code.
type AttributeSignupInput struct {
	UserID      uuid.UUID
	Code        string
	IP          string
	LandingPage string
}

func (l *Ledger) activeAffiliateByCode(ctx context.Context, code string) (*domain.Affiliate, error) {
	code = domain.NormalizeAffiliateCode(code)
	if code == "" {
		return nil, domain.NewValidationError("code", "is required")
	}
	affiliate, err := l.store.GetAffiliateByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if affiliate.Status != domain.AffiliateActive {
		return nil, ErrAffiliateNotActive
	}
	return affiliate, nil
}

// TrackClick records an anonymous visit through an affiliate link.
func (l *Ledger) TrackClick(ctx context.Context, code, ip, landingPage string) (*domain.AffiliateClick, error) {
	affiliate, err := l.activeAffiliateByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	click := &domain.AffiliateClick{
		AffiliateID: affiliate.ID,
		IPHash:      domain.HashIP([]byte(l.opts.IPHashSalt), strings.TrimSpace(ip)),
		LandingPage: strings.TrimSpace(landingPage),
		ClickedAt:   l.now(),
	}
	if err := l.store.CreateClick(ctx, click); err != nil {
		return nil, err
	}
	return click, nil
}

// AttributeSignup creates the user's single referral. A second attribution for the same
// user fails with store.ErrReferralExists.
func (l *Ledger) AttributeSignup(ctx context.Context, in AttributeSignupInput) (*domain.Referral, error) {
	if in.UserID == uuid.Nil {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	affiliate, err := l.activeAffiliateByCode(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	if affiliate.UserID != nil && *affiliate.UserID == in.UserID {
		return nil, domain.NewValidationError("code", "cannot refer yourself")
	}

	referral := &domain.Referral{
		AffiliateID:  affiliate.ID,
		UserID:       in.UserID,
		ReferralCode: affiliate.Code,
		IPHash:       domain.HashIP([]byte(l.opts.IPHashSalt), strings.TrimSpace(in.IP)),
		LandingPage:  strings.TrimSpace(in.LandingPage),
		Status:       domain.ReferralPending,
		ClickedAt:    l.now(),
	}
	if err := l.store.CreateReferral(ctx, referral); err != nil {
		return nil, err
	}
	l.logger.Info("referral attributed", "referral_id", referral.ID, "affiliate_id", affiliate.ID, "user_id", in.UserID)
	return referral, nil
}

