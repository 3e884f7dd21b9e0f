package app

import (
	"context"
	"errors"
	"time"

	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
)

type completionOutcome struct {
	subscription *domain.Subscription
	created      bool
	extended     bool
}

// completePayment grants the entitlement bought by a successful payment. A payment that is
// already linked to a subscription has been granted before, so PAID followed by OVERPAID
// extends only once.
func (l *Ledger) completePayment(ctx context.Context, q store.Queries, payment *domain.Payment, now time.Time) (completionOutcome, error) {
	if payment.PaidAt == nil {
		paidAt := now
		payment.PaidAt = &paidAt
	}
	if payment.SubscriptionID != nil {
		return completionOutcome{}, nil
	}

	plan, err := q.GetPlan(ctx, payment.PlanID)
	if err != nil {
		return completionOutcome{}, err
	}

	if err := q.LockUserSubscriptions(ctx, payment.UserID); err != nil {
		return completionOutcome{}, err
	}
	current, err := q.GetCurrentSubscriptionForUpdate(ctx, payment.UserID, now)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return completionOutcome{}, err
	}

	if current == nil {
		sub := &domain.Subscription{
			UserID:    payment.UserID,
			PlanID:    plan.ID,
			Status:    domain.SubscriptionActive,
			StartedAt: now,
			ExpiresAt: plan.Term(now, l.opts.LifetimePlanYears),
		}
		if err := sub.Validate(); err != nil {
			return completionOutcome{}, err
		}
		if err := q.CreateSubscription(ctx, sub); err != nil {
			return completionOutcome{}, err
		}
		payment.SubscriptionID = &sub.ID
		if err := l.enqueue(ctx, q, domain.EventSubscriptionActivated, subscriptionEvent(sub, payment, now)); err != nil {
			return completionOutcome{}, err
		}
		return completionOutcome{subscription: sub, created: true}, nil
	}

	if plan.Lifetime {
		if horizon := plan.Term(now, l.opts.LifetimePlanYears); horizon.After(current.ExpiresAt) {
			current.ExpiresAt = horizon
		}
	} else {
		current.ExtendBy(plan.DurationDays)
	}
	if err := q.UpdateSubscription(ctx, current); err != nil {
		return completionOutcome{}, err
	}
	payment.SubscriptionID = &current.ID
	if err := l.enqueue(ctx, q, domain.EventSubscriptionExtended, subscriptionEvent(current, payment, now)); err != nil {
		return completionOutcome{}, err
	}
	return completionOutcome{subscription: current, extended: true}, nil
}

func subscriptionEvent(sub *domain.Subscription, payment *domain.Payment, now time.Time) domain.SubscriptionEvent {
	return domain.SubscriptionEvent{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PlanID:         sub.PlanID,
		PaymentID:      payment.ID,
		ExpiresAt:      sub.ExpiresAt,
		OccurredAt:     now,
	}
}
