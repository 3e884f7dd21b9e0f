/**
 * @description
 * This file defines the persistence contract of the ledger. Every query the services
 * issue goes through Queries; Store adds the transaction boundary so a whole webhook,
 * lifecycle transition or payout commits or rolls back as one unit.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal: identifiers and money.
 * - internal/domain: ledger entities.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/domain"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrReferralNotFound     = errors.New("referral not found")
	ErrReferralExists       = errors.New("user already has a referral")
	ErrCommissionNotFound   = errors.New("commission not found")
	ErrCommissionExists     = errors.New("commission already exists for payment")
	ErrAffiliateNotFound    = errors.New("affiliate not found")
	ErrAffiliateCodeTaken   = errors.New("affiliate code already taken")
)

// Page sizes of the administrative commission listing.
const (
	DefaultCommissionListLimit = 500
	MaxCommissionListLimit     = 5000
)

// CommissionFilter narrows commission listings. Zero values mean "any"; a zero Limit
// returns every matching row.
type CommissionFilter struct {
	AffiliateID *uuid.UUID
	ReferralID  *uuid.UUID
	Status      domain.CommissionStatus
	IDs         []uuid.UUID
	Limit       int
}

// Queries is the set of statements available both on the pool and inside a transaction.
type Queries interface {
	// Plans
	GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error)

	// Payments
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
	ListExpiredPendingPayments(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error)
	// InsertWebhookLog returns false when the (payment_id, status) pair was already logged.
	InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) (bool, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	// LockUserSubscriptions serialises entitlement grants of one user until the transaction ends.
	LockUserSubscriptions(ctx context.Context, userID uuid.UUID) error
	GetCurrentSubscriptionForUpdate(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	ListLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)

	// Referrals and clicks
	CreateReferral(ctx context.Context, referral *domain.Referral) error
	GetReferralForUpdate(ctx context.Context, id uuid.UUID) (*domain.Referral, error)
	GetReferralByUserForUpdate(ctx context.Context, userID uuid.UUID) (*domain.Referral, error)
	UpdateReferral(ctx context.Context, referral *domain.Referral) error
	CreateClick(ctx context.Context, click *domain.AffiliateClick) error
	MarkClicksConverted(ctx context.Context, affiliateID uuid.UUID, ipHash string, since, now time.Time) (int64, error)

	// Commissions
	InsertCommission(ctx context.Context, commission *domain.Commission) error
	GetCommission(ctx context.Context, id uuid.UUID) (*domain.Commission, error)
	GetCommissionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Commission, error)
	UpdateCommission(ctx context.Context, commission *domain.Commission) error
	ListCommissions(ctx context.Context, filter CommissionFilter) ([]domain.Commission, error)
	ListCommissionsForUpdate(ctx context.Context, filter CommissionFilter) ([]domain.Commission, error)
	ListMaturedCommissions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Commission, error)
	ListPaidCommissions(ctx context.Context, from, to time.Time) ([]domain.PayoutExportRow, error)

	// Affiliates
	CreateAffiliate(ctx context.Context, affiliate *domain.Affiliate) error
	GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error)
	GetAffiliateForUpdate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error)
	GetAffiliateByCode(ctx context.Context, code string) (*domain.Affiliate, error)
	UpdateAffiliateSettings(ctx context.Context, affiliate *domain.Affiliate) error
	// RecomputeAffiliateBalances locks the affiliate row and rewrites the derived balances
	// from the commission rows.
	RecomputeAffiliateBalances(ctx context.Context, affiliateID uuid.UUID) (domain.Balances, error)
	ListEligibleAffiliates(ctx context.Context, minBalance decimal.Decimal) ([]domain.Affiliate, error)

	// Outbox
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Store owns the transaction boundary.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

// OutboxMessage is one pending ledger event.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxRepository is used by the dispatcher that drains ledger_outbox.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
