package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/metrics"
	"github.com/vpnportal/ledger/internal/store"
)

// createCommission records the referring affiliate's commission for a successful payment.
// It returns nil without error when nothing is owed: no referral, rejected referral, a zero
// amount, or a commission that already exists for the payment.
func (l *Ledger) createCommission(ctx context.Context, q store.Queries, payment *domain.Payment, now time.Time) (*domain.Commission, error) {
	referral, err := q.GetReferralByUserForUpdate(ctx, payment.UserID)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if referral.Status == domain.ReferralRejected {
		return nil, nil
	}

	affiliate, err := q.GetAffiliateForUpdate(ctx, referral.AffiliateID)
	if err != nil {
		return nil, err
	}

	amount := domain.CommissionAmount(payment.Amount, affiliate.CommissionRate)
	if !amount.IsPositive() {
		l.logger.Info("skipping zero commission", "payment_id", payment.ID, "affiliate_id", affiliate.ID)
		return nil, nil
	}

	commission := &domain.Commission{
		AffiliateID:    affiliate.ID,
		PaymentID:      payment.ID,
		ReferralID:     referral.ID,
		Amount:         amount,
		Currency:       payment.Currency,
		CommissionRate: affiliate.CommissionRate,
		Status:         domain.CommissionPending,
		Notes:          fmt.Sprintf("Created from payment %s", payment.ID),
	}
	if err := commission.Validate(); err != nil {
		return nil, err
	}
	if err := q.InsertCommission(ctx, commission); err != nil {
		if errors.Is(err, store.ErrCommissionExists) {
			l.logger.Info("commission already recorded for payment", "payment_id", payment.ID)
			return nil, nil
		}
		return nil, err
	}

	if _, err := q.RecomputeAffiliateBalances(ctx, affiliate.ID); err != nil {
		return nil, err
	}
	if err := l.convertReferral(ctx, q, referral, now); err != nil {
		return nil, err
	}
	if err := l.enqueue(ctx, q, domain.EventCommissionCreated, commissionEvent(commission, "", now)); err != nil {
		return nil, err
	}

	metrics.CommissionTransitionsTotal.WithLabelValues(string(domain.CommissionPending)).Inc()
	l.logger.Info("commission created",
		"commission_id", commission.ID,
		"affiliate_id", affiliate.ID,
		"payment_id", payment.ID,
		"amount", commission.Amount.String(),
	)
	return commission, nil
}

// convertReferral marks the referral and its recent clicks from the same address converted.
func (l *Ledger) convertReferral(ctx context.Context, q store.Queries, referral *domain.Referral, now time.Time) error {
	if !referral.Convert(now) {
		return nil
	}
	if err := q.UpdateReferral(ctx, referral); err != nil {
		return err
	}
	since := referral.ClickedAt.Add(-l.opts.ClickAttributionWindow)
	if _, err := q.MarkClicksConverted(ctx, referral.AffiliateID, referral.IPHash, since, now); err != nil {
		return err
	}
	return nil
}

func commissionEvent(c *domain.Commission, previous domain.CommissionStatus, now time.Time) domain.CommissionEvent {
	return domain.CommissionEvent{
		CommissionID:   c.ID,
		AffiliateID:    c.AffiliateID,
		PaymentID:      c.PaymentID,
		Amount:         c.Amount,
		Currency:       c.Currency,
		PreviousStatus: previous,
		Status:         c.Status,
		OccurredAt:     now,
	}
}
