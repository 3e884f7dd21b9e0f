package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
)

// MaintenanceResult reports one run of a scheduled maintenance job.
type MaintenanceResult struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// ExpireStalePayments moves pending payments past their expiry to expired. Late webhooks
// for those payments are still applied normally.
func (l *Ledger) ExpireStalePayments(ctx context.Context) (*MaintenanceResult, error) {
	result := &MaintenanceResult{Job: "expire_payments"}
	err := l.store.InTx(ctx, func(q store.Queries) error {
		now := l.now()
		payments, err := q.ListExpiredPendingPayments(ctx, now, l.opts.MaintenanceBatchSize)
		if err != nil {
			return err
		}
		for i := range payments {
			p := &payments[i]
			p.Status = domain.PaymentExpired
			if err := q.UpdatePayment(ctx, p); err != nil {
				return err
			}
			if err := l.enqueue(ctx, q, domain.EventPaymentStatusChanged, domain.PaymentStatusChangedEvent{
				PaymentID:      p.ID,
				UserID:         p.UserID,
				PreviousStatus: domain.PaymentPending,
				Status:         domain.PaymentExpired,
				OccurredAt:     now,
			}); err != nil {
				return err
			}
			result.Processed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("stale payments expired", "count", result.Processed)
	return result, nil
}

// ExpireLapsedSubscriptions marks active subscriptions past expires_at expired.
func (l *Ledger) ExpireLapsedSubscriptions(ctx context.Context) (*MaintenanceResult, error) {
	result := &MaintenanceResult{Job: "expire_subscriptions"}
	err := l.store.InTx(ctx, func(q store.Queries) error {
		now := l.now()
		subs, err := q.ListLapsedSubscriptions(ctx, now, l.opts.MaintenanceBatchSize)
		if err != nil {
			return err
		}
		for i := range subs {
			if !subs[i].Expire(now) {
				continue
			}
			if err := q.UpdateSubscription(ctx, &subs[i]); err != nil {
				return err
			}
			result.Processed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("lapsed subscriptions expired", "count", result.Processed)
	return result, nil
}

// AutoApproveCommissions approves pending commissions that have outlived the hold period
// while their payment stayed successful. A hold of zero days disables the job.
func (l *Ledger) AutoApproveCommissions(ctx context.Context) (*MaintenanceResult, error) {
	result := &MaintenanceResult{Job: "auto_approve_commissions"}
	if l.opts.CommissionHoldDays <= 0 {
		result.Disabled = true
		return result, nil
	}

	err := l.store.InTx(ctx, func(q store.Queries) error {
		now := l.now()
		cutoff := now.Add(-time.Duration(l.opts.CommissionHoldDays) * 24 * time.Hour)
		matured, err := q.ListMaturedCommissions(ctx, cutoff, l.opts.MaintenanceBatchSize)
		if err != nil {
			return err
		}
		// Affiliate locks are acquired in a stable order across runs.
		sort.SliceStable(matured, func(i, j int) bool {
			return matured[i].AffiliateID.String() < matured[j].AffiliateID.String()
		})
		note := fmt.Sprintf("Auto-approved after %d day hold", l.opts.CommissionHoldDays)
		for _, c := range matured {
			_, changed, err := l.transitionCommission(ctx, q, c.ID, now, func(c *domain.Commission) bool {
				return c.Approve(now, note)
			})
			if err != nil {
				return err
			}
			if changed {
				result.Processed++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("matured commissions approved", "count", result.Processed)
	return result, nil
}
