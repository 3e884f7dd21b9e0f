package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/metrics"
	"github.com/vpnportal/ledger/internal/store"
)

// transitionCommission locks the owning affiliate, then the commission, applies fn and, when
// fn changed the row, persists it, recomputes the affiliate balances and emits an event.
// Out-of-order requests leave everything untouched and return the current row.
//
// Locks are always taken affiliate before commission, the same order ProcessPayout uses.
func (l *Ledger) transitionCommission(ctx context.Context, q store.Queries, id uuid.UUID, now time.Time, fn func(c *domain.Commission) bool) (*domain.Commission, bool, error) {
	owner, err := q.GetCommission(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if _, err := q.GetAffiliateForUpdate(ctx, owner.AffiliateID); err != nil {
		return nil, false, err
	}
	commission, err := q.GetCommissionForUpdate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	previous := commission.Status
	if !fn(commission) {
		return commission, false, nil
	}
	if err := q.UpdateCommission(ctx, commission); err != nil {
		return nil, false, err
	}
	if _, err := q.RecomputeAffiliateBalances(ctx, commission.AffiliateID); err != nil {
		return nil, false, err
	}
	if err := l.enqueue(ctx, q, domain.EventCommissionStatusChanged, commissionEvent(commission, previous, now)); err != nil {
		return nil, false, err
	}
	metrics.CommissionTransitionsTotal.WithLabelValues(string(commission.Status)).Inc()
	return commission, true, nil
}

func (l *Ledger) commissionAction(ctx context.Context, id uuid.UUID, fn func(c *domain.Commission, now time.Time) bool) (*domain.Commission, error) {
	var out *domain.Commission
	err := l.store.InTx(ctx, func(q store.Queries) error {
		now := l.now()
		c, changed, err := l.transitionCommission(ctx, q, id, now, func(c *domain.Commission) bool { return fn(c, now) })
		if err != nil {
			return err
		}
		if !changed {
			l.logger.Info("commission transition ignored", "commission_id", id, "status", c.Status)
		}
		out = c
		return nil
	})
	return out, err
}

// ApproveCommission moves a pending commission to approved.
func (l *Ledger) ApproveCommission(ctx context.Context, id uuid.UUID, notes string) (*domain.Commission, error) {
	return l.commissionAction(ctx, id, func(c *domain.Commission, now time.Time) bool {
		return c.Approve(now, notes)
	})
}

// CancelCommission voids a pending or approved commission.
func (l *Ledger) CancelCommission(ctx context.Context, id uuid.UUID, reason string) (*domain.Commission, error) {
	return l.commissionAction(ctx, id, func(c *domain.Commission, now time.Time) bool {
		return c.Cancel(now, reason)
	})
}

// MarkCommissionPaid records an out-of-band payout of a single approved commission.
func (l *Ledger) MarkCommissionPaid(ctx context.Context, id uuid.UUID, transactionID string) (*domain.Commission, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, domain.NewValidationError("transaction_id", "is required")
	}
	return l.commissionAction(ctx, id, func(c *domain.Commission, now time.Time) bool {
		return c.MarkPaid(now, transactionID)
	})
}

// ListCommissions serves the administrative listing, one page of at most
// store.MaxCommissionListLimit rows.
func (l *Ledger) ListCommissions(ctx context.Context, filter store.CommissionFilter) ([]domain.Commission, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = store.DefaultCommissionListLimit
	case filter.Limit > store.MaxCommissionListLimit:
		filter.Limit = store.MaxCommissionListLimit
	}
	return l.store.ListCommissions(ctx, filter)
}

// RejectReferral marks the referral rejected and cancels its pending commissions. Approved
// and paid commissions are left alone.
func (l *Ledger) RejectReferral(ctx context.Context, id uuid.UUID, reason string) (*domain.Referral, error) {
	var out *domain.Referral
	err := l.store.InTx(ctx, func(q store.Queries) error {
		referral, err := q.GetReferralForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = referral
		if !referral.Reject() {
			return nil
		}
		if _, err := q.GetAffiliateForUpdate(ctx, referral.AffiliateID); err != nil {
			return err
		}
		if err := q.UpdateReferral(ctx, referral); err != nil {
			return err
		}

		pending, err := q.ListCommissionsForUpdate(ctx, store.CommissionFilter{
			ReferralID: &referral.ID,
			Status:     domain.CommissionPending,
		})
		if err != nil {
			return err
		}
		now := l.now()
		note := "referral rejected"
		if reason = strings.TrimSpace(reason); reason != "" {
			note = "referral rejected: " + reason
		}
		for _, c := range pending {
			if _, _, err := l.transitionCommission(ctx, q, c.ID, now, func(c *domain.Commission) bool {
				return c.Cancel(now, note)
			}); err != nil {
				return err
			}
		}
		l.logger.Info("referral rejected", "referral_id", referral.ID, "cancelled_commissions", len(pending))
		return nil
	})
	return out, err
}
