/**
 * @description
 * Application layer of the billing ledger. Ledger implements every operation exposed over
 * HTTP; each state change runs inside one store transaction together with the balance
 * recomputation and the outbox events that describe it.
 *
 * @dependencies
 * - internal/store: persistence and the transaction boundary.
 * - pkg/processorclient: invoice creation at the payment processor.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
	"github.com/vpnportal/ledger/pkg/processorclient"
)

var (
	ErrUnauthorized       = errors.New("webhook secret mismatch")
	ErrDuplicateWebhook   = errors.New("duplicate webhook")
	ErrAffiliateNotActive = errors.New("affiliate is not active")
	ErrUnsupportedFormat  = errors.New("unsupported export format")
)

// ProcessorClient creates invoices at the payment processor.
type ProcessorClient interface {
	CreateInvoice(ctx context.Context, in processorclient.InvoiceRequest) (*processorclient.Invoice, error)
}

// Service is the surface the HTTP layer depends on.
type Service interface {
	HandleWebhook(ctx context.Context, n domain.WebhookNotification) (*domain.WebhookResult, error)

	CreatePayment(ctx context.Context, in CreatePaymentInput) (*domain.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)

	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	Entitlement(ctx context.Context, userID uuid.UUID) (*domain.Entitlement, error)
	CancelSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	TrackClick(ctx context.Context, code, ip, landingPage string) (*domain.AffiliateClick, error)
	AttributeSignup(ctx context.Context, in AttributeSignupInput) (*domain.Referral, error)
	RejectReferral(ctx context.Context, id uuid.UUID, reason string) (*domain.Referral, error)

	CreateAffiliate(ctx context.Context, in CreateAffiliateInput) (*domain.Affiliate, error)
	GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error)
	UpdateAffiliateRate(ctx context.Context, id uuid.UUID, rate decimal.Decimal) (*domain.Affiliate, error)
	SetAffiliateStatus(ctx context.Context, id uuid.UUID, status domain.AffiliateStatus) (*domain.Affiliate, error)
	ReconcileAffiliate(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error)

	ListCommissions(ctx context.Context, filter store.CommissionFilter) ([]domain.Commission, error)
	ApproveCommission(ctx context.Context, id uuid.UUID, notes string) (*domain.Commission, error)
	CancelCommission(ctx context.Context, id uuid.UUID, reason string) (*domain.Commission, error)
	MarkCommissionPaid(ctx context.Context, id uuid.UUID, transactionID string) (*domain.Commission, error)

	ListEligibleAffiliates(ctx context.Context, minBalance decimal.Decimal) ([]domain.Affiliate, error)
	NewPayout(ctx context.Context, affiliateID uuid.UUID) (*domain.PayoutPreview, error)
	ProcessPayout(ctx context.Context, affiliateID uuid.UUID, commissionIDs []uuid.UUID) (*domain.PayoutResult, error)
	ExportPayouts(ctx context.Context, from, to time.Time, format string) (*Export, error)

	ExpireStalePayments(ctx context.Context) (*MaintenanceResult, error)
	ExpireLapsedSubscriptions(ctx context.Context) (*MaintenanceResult, error)
	AutoApproveCommissions(ctx context.Context) (*MaintenanceResult, error)
}

// Options tunes ledger behaviour. Zero values fall back to defaults.
type Options struct {
	EventsExchange         string
	LifetimePlanYears      int
	ClickAttributionWindow time.Duration
	CommissionHoldDays     int
	PaymentTTL             time.Duration
	IPHashSalt             string
	WebhookCallbackURL     string
	MaintenanceBatchSize   int
}

func (o Options) withDefaults() Options {
	if o.EventsExchange == "" {
		o.EventsExchange = "vpn.ledger"
	}
	if o.LifetimePlanYears <= 0 {
		o.LifetimePlanYears = 100
	}
	if o.ClickAttributionWindow <= 0 {
		o.ClickAttributionWindow = 30 * time.Minute
	}
	if o.CommissionHoldDays < 0 {
		o.CommissionHoldDays = 0
	}
	if o.PaymentTTL <= 0 {
		o.PaymentTTL = 60 * time.Minute
	}
	if o.MaintenanceBatchSize <= 0 {
		o.MaintenanceBatchSize = 200
	}
	return o
}

// Ledger is the concrete Service.
type Ledger struct {
	store     store.Store
	processor ProcessorClient
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewLedger wires the ledger services together.
func NewLedger(s store.Store, processor ProcessorClient, logger *slog.Logger, opts Options) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     s,
		processor: processor,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) enqueue(ctx context.Context, q store.Queries, routingKey string, payload interface{}) error {
	return q.EnqueueEvent(ctx, l.opts.EventsExchange, routingKey, payload)
}
