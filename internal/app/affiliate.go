package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
)

var (
	defaultCommissionRate = decimal.NewFromInt(20)
	defaultMinimumPayout  = decimal.NewFromInt(50)
)

const maxCodeAttempts = 5

// CreateAffiliateInput carries the onboarding fields of a new affiliate.
type CreateAffiliateInput struct {
	UserID              *uuid.UUID
	Code                string
	CommissionRate      *decimal.Decimal
	Status              domain.AffiliateStatus
	PayoutCurrency      string
	PayoutAddress       string
	MinimumPayoutAmount *decimal.Decimal
}

// CreateAffiliate registers an affiliate. A blank code is replaced by a generated one;
// generated codes are retried on collision, supplied codes are not.
func (l *Ledger) CreateAffiliate(ctx context.Context, in CreateAffiliateInput) (*domain.Affiliate, error) {
	affiliate := &domain.Affiliate{
		UserID:              in.UserID,
		Code:                domain.NormalizeAffiliateCode(in.Code),
		CommissionRate:      defaultCommissionRate,
		Status:              in.Status,
		PayoutCurrency:      strings.ToLower(strings.TrimSpace(in.PayoutCurrency)),
		PayoutAddress:       strings.TrimSpace(in.PayoutAddress),
		MinimumPayoutAmount: defaultMinimumPayout,
	}
	if in.CommissionRate != nil {
		affiliate.CommissionRate = *in.CommissionRate
	}
	if in.MinimumPayoutAmount != nil {
		affiliate.MinimumPayoutAmount = *in.MinimumPayoutAmount
	}
	if affiliate.Status == "" {
		affiliate.Status = domain.AffiliatePending
	}
	if affiliate.PayoutCurrency == "" {
		affiliate.PayoutCurrency = "btc"
	}

	generated := affiliate.Code == ""
	for attempt := 0; ; attempt++ {
		if generated {
			affiliate.Code = domain.GenerateAffiliateCode()
		}
		if err := affiliate.Validate(); err != nil {
			return nil, err
		}
		err := l.store.CreateAffiliate(ctx, affiliate)
		if err == nil {
			break
		}
		if !generated || !errors.Is(err, store.ErrAffiliateCodeTaken) || attempt+1 >= maxCodeAttempts {
			return nil, err
		}
		affiliate.ID = uuid.Nil
	}

	l.logger.Info("affiliate created", "affiliate_id", affiliate.ID, "code", affiliate.Code)
	return affiliate, nil
}

func (l *Ledger) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	return l.store.GetAffiliate(ctx, id)
}

// UpdateAffiliateRate changes the rate used for future commissions. Existing commissions
// keep the rate they were created with.
func (l *Ledger) UpdateAffiliateRate(ctx context.Context, id uuid.UUID, rate decimal.Decimal) (*domain.Affiliate, error) {
	if !domain.ValidRate(rate) {
		return nil, domain.NewValidationError("commission_rate", "must be between 0 and 100")
	}
	return l.updateAffiliate(ctx, id, func(a *domain.Affiliate) {
		a.CommissionRate = rate
	})
}

func (l *Ledger) SetAffiliateStatus(ctx context.Context, id uuid.UUID, status domain.AffiliateStatus) (*domain.Affiliate, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", "is not a known affiliate status")
	}
	return l.updateAffiliate(ctx, id, func(a *domain.Affiliate) {
		a.Status = status
	})
}

func (l *Ledger) updateAffiliate(ctx context.Context, id uuid.UUID, mutate func(a *domain.Affiliate)) (*domain.Affiliate, error) {
	var out *domain.Affiliate
	err := l.store.InTx(ctx, func(q store.Queries) error {
		affiliate, err := q.GetAffiliateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		mutate(affiliate)
		if err := affiliate.Validate(); err != nil {
			return err
		}
		if err := q.UpdateAffiliateSettings(ctx, affiliate); err != nil {
			return err
		}
		out = affiliate
		return nil
	})
	return out, err
}
