package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/metrics"
	"github.com/vpnportal/ledger/internal/store"
)

// ListEligibleAffiliates returns active affiliates whose pending balance clears both their
// own minimum and minBalance, largest balance first.
func (l *Ledger) ListEligibleAffiliates(ctx context.Context, minBalance decimal.Decimal) ([]domain.Affiliate, error) {
	if minBalance.IsNegative() {
		return nil, domain.NewValidationError("min_balance", "must not be negative")
	}
	return l.store.ListEligibleAffiliates(ctx, minBalance)
}

// NewPayout previews the approved, unpaid commissions of one affiliate.
func (l *Ledger) NewPayout(ctx context.Context, affiliateID uuid.UUID) (*domain.PayoutPreview, error) {
	affiliate, err := l.store.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	commissions, err := l.store.ListCommissions(ctx, store.CommissionFilter{
		AffiliateID: &affiliate.ID,
		Status:      domain.CommissionApproved,
	})
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, c := range commissions {
		total = total.Add(c.Amount)
	}
	if commissions == nil {
		commissions = []domain.Commission{}
	}
	return &domain.PayoutPreview{
		Affiliate:   *affiliate,
		Eligible:    affiliate.EligibleForPayout(),
		Commissions: commissions,
		Total:       total,
	}, nil
}

// ProcessPayout pays the affiliate's approved commissions. When commissionIDs is nil every
// approved commission is paid; otherwise ids belonging to another affiliate or not in the
// approved state are dropped silently. Payouts of one affiliate serialise on the affiliate
// row lock.
// The minimum-balance gate is applied by ListEligibleAffiliates and NewPayout, not here.
func (l *Ledger) ProcessPayout(ctx context.Context, affiliateID uuid.UUID, commissionIDs []uuid.UUID) (*domain.PayoutResult, error) {
	result := &domain.PayoutResult{
		AffiliateID:   affiliateID,
		Total:         decimal.Zero,
		CommissionIDs: []uuid.UUID{},
		References:    []string{},
	}

	err := l.store.InTx(ctx, func(q store.Queries) error {
		affiliate, err := q.GetAffiliateForUpdate(ctx, affiliateID)
		if err != nil {
			return err
		}
		if affiliate.Status != domain.AffiliateActive {
			return ErrAffiliateNotActive
		}

		filter := store.CommissionFilter{
			AffiliateID: &affiliate.ID,
			Status:      domain.CommissionApproved,
		}
		if commissionIDs != nil {
			filter.IDs = commissionIDs
		}
		payable, err := q.ListCommissionsForUpdate(ctx, filter)
		if err != nil {
			return err
		}
		if len(payable) == 0 {
			result.NothingToPay = true
			return nil
		}

		now := l.now()
		for i := range payable {
			c := &payable[i]
			if c.AffiliateID != affiliate.ID || c.Status != domain.CommissionApproved {
				continue
			}
			reference := domain.PayoutReference(affiliate.PayoutCurrency)
			if !c.MarkPaid(now, reference) {
				continue
			}
			if err := q.UpdateCommission(ctx, c); err != nil {
				return err
			}
			if err := l.enqueue(ctx, q, domain.EventCommissionStatusChanged, commissionEvent(c, domain.CommissionApproved, now)); err != nil {
				return err
			}
			result.Count++
			result.Total = result.Total.Add(c.Amount)
			result.CommissionIDs = append(result.CommissionIDs, c.ID)
			result.References = append(result.References, reference)
		}
		if result.Count == 0 {
			result.NothingToPay = true
			return nil
		}

		if _, err := q.RecomputeAffiliateBalances(ctx, affiliate.ID); err != nil {
			return err
		}
		return l.enqueue(ctx, q, domain.EventPayoutCompleted, domain.PayoutCompletedEvent{
			AffiliateID:    affiliate.ID,
			CommissionIDs:  result.CommissionIDs,
			References:     result.References,
			Total:          result.Total,
			PayoutCurrency: affiliate.PayoutCurrency,
			OccurredAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	if result.NothingToPay {
		l.logger.Info("payout skipped, nothing to pay", "affiliate_id", affiliateID)
		return result, nil
	}
	metrics.PayoutCommissionsTotal.Add(float64(result.Count))
	metrics.CommissionTransitionsTotal.WithLabelValues(string(domain.CommissionPaid)).Add(float64(result.Count))
	l.logger.Info("payout processed", "affiliate_id", affiliateID, "count", result.Count, "total", result.Total.String())
	return result, nil
}

// ReconcileAffiliate recomputes the stored balances and reports whether they had drifted
// from the commission rows.
func (l *Ledger) ReconcileAffiliate(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error) {
	var report *domain.ReconciliationReport
	err := l.store.InTx(ctx, func(q store.Queries) error {
		affiliate, err := q.GetAffiliateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		stored := affiliate.Balances()
		derived, err := q.RecomputeAffiliateBalances(ctx, affiliate.ID)
		if err != nil {
			return err
		}
		report = &domain.ReconciliationReport{
			AffiliateID: affiliate.ID,
			Stored:      stored,
			Derived:     derived,
			Drift:       !stored.Equal(derived),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report.Drift {
		l.logger.Warn("affiliate balance drift corrected", "affiliate_id", id,
			"stored_pending", report.Stored.PendingBalance.String(),
			"derived_pending", report.Derived.PendingBalance.String(),
		)
	}
	return report, nil
}
