package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys of ledger events published on the ledger exchange.
const (
	EventPaymentStatusChanged    = "payment.status_changed"
	EventSubscriptionActivated   = "subscription.activated"
	EventSubscriptionExtended    = "subscription.extended"
	EventCommissionCreated       = "commission.created"
	EventCommissionStatusChanged = "commission.status_changed"
	EventPayoutCompleted         = "payout.completed"
)

type PaymentStatusChangedEvent struct {
	PaymentID      uuid.UUID     `json:"payment_id"`
	UserID         uuid.UUID     `json:"user_id"`
	PreviousStatus PaymentStatus `json:"previous_status"`
	Status         PaymentStatus `json:"status"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

type SubscriptionEvent struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	PaymentID      uuid.UUID `json:"payment_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type CommissionEvent struct {
	CommissionID   uuid.UUID        `json:"commission_id"`
	AffiliateID    uuid.UUID        `json:"affiliate_id"`
	PaymentID      uuid.UUID        `json:"payment_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	PreviousStatus CommissionStatus `json:"previous_status,omitempty"`
	Status         CommissionStatus `json:"status"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

type PayoutCompletedEvent struct {
	AffiliateID    uuid.UUID       `json:"affiliate_id"`
	CommissionIDs  []uuid.UUID     `json:"commission_ids"`
	References     []string        `json:"references"`
	Total          decimal.Decimal `json:"total"`
	PayoutCurrency string          `json:"payout_currency"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
