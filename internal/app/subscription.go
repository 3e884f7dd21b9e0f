package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
)

// CurrentSubscription returns the user's active, unexpired subscription.
func (l *Ledger) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	var out *domain.Subscription
	err := l.store.InTx(ctx, func(q store.Queries) error {
		sub, err := q.GetCurrentSubscriptionForUpdate(ctx, userID, l.now())
		if err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// Entitlement reports the device allowance of the user's current plan. Users without a
// current subscription get an inactive entitlement with no devices.
func (l *Ledger) Entitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error) {
	ent := &domain.Entitlement{UserID: userID}
	sub, err := l.CurrentSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return ent, nil
		}
		return nil, err
	}
	plan, err := l.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	ent.Active = true
	ent.SubscriptionID = &sub.ID
	ent.PlanID = &plan.ID
	ent.PlanName = plan.Name
	ent.DeviceLimit = plan.DeviceLimit
	ent.ExpiresAt = &sub.ExpiresAt
	return ent, nil
}

// CancelSubscription cancels explicitly. The row and its payments are kept.
func (l *Ledger) CancelSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	var out *domain.Subscription
	err := l.store.InTx(ctx, func(q store.Queries) error {
		sub, err := q.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		out = sub
		if !sub.Cancel(l.now()) {
			return nil
		}
		return q.UpdateSubscription(ctx, sub)
	})
	return out, err
}
