package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/pkg/processorclient"
)

// CreatePaymentInput starts a checkout for one plan.
type CreatePaymentInput struct {
	UserID         uuid.UUID `json:"user_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	CryptoCurrency string    `json:"crypto_currency"`
}

// CreatePayment registers an invoice at the processor and stores the pending payment. The
// payment id is the external id the processor echoes back in its webhooks.
func (l *Ledger) CreatePayment(ctx context.Context, in CreatePaymentInput) (*domain.Payment, error) {
	if in.UserID == uuid.Nil {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	crypto := strings.ToUpper(strings.TrimSpace(in.CryptoCurrency))
	if crypto == "" {
		return nil, domain.NewValidationError("crypto_currency", "is required")
	}

	plan, err := l.store.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	secret := newWebhookSecret()
	expiresAt := now.Add(l.opts.PaymentTTL)
	payment := &domain.Payment{
		ID:             uuid.New(),
		UserID:         in.UserID,
		PlanID:         plan.ID,
		Amount:         plan.Price,
		Currency:       plan.Currency,
		Status:         domain.PaymentPending,
		CryptoCurrency: &crypto,
		WebhookSecret:  &secret,
		ExpiresAt:      &expiresAt,
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	invoice, err := l.processor.CreateInvoice(ctx, processorclient.InvoiceRequest{
		ExternalID:     payment.ID.String(),
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		CryptoCurrency: crypto,
		CallbackURL:    l.opts.WebhookCallbackURL,
		CallbackSecret: secret,
	})
	if err != nil {
		return nil, fmt.Errorf("create processor invoice: %w", err)
	}
	if invoice.ID != "" {
		payment.ProcessorID = &invoice.ID
	}
	if invoice.Address != "" {
		payment.PaymentAddress = &invoice.Address
	}
	if invoice.CryptoAmount != "" {
		payment.CryptoAmount = &invoice.CryptoAmount
	}
	if invoice.ExpiresAt != nil {
		processorExpiry := invoice.ExpiresAt.UTC()
		payment.ExpiresAt = &processorExpiry
	}
	payment.ProcessorData = invoice.Raw

	if err := l.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	l.logger.Info("payment created", "payment_id", payment.ID, "user_id", payment.UserID, "plan_id", plan.ID)
	return payment, nil
}

func (l *Ledger) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return l.store.GetPayment(ctx, id)
}

func newWebhookSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
