/**
 * @description
 * Payment and Plan models for the billing ledger. A Payment is one funding attempt for one
 * Plan by one user and is the durable financial record: it is never deleted.
 */
package domain

import (
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the closed set of states a Payment can be in.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentOverpaid PaymentStatus = "overpaid"
	PaymentPartial  PaymentStatus = "partial"
	PaymentFailed   PaymentStatus = "failed"
	PaymentExpired  PaymentStatus = "expired"
)

// IsSuccessful reports whether the status grants entitlements.
func (s PaymentStatus) IsSuccessful() bool {
	return s == PaymentPaid || s == PaymentOverpaid
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentOverpaid, PaymentPartial, PaymentFailed, PaymentExpired:
		return true
	}
	return false
}

// NormalizeProcessorStatus canonicalises a processor status string so that replays
// differing only in case or padding are recognised as the same notification.
func NormalizeProcessorStatus(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// MapProcessorStatus translates the processor vocabulary into a PaymentStatus.
// Anything unrecognised is treated as a failure.
func MapProcessorStatus(raw string) PaymentStatus {
	switch NormalizeProcessorStatus(raw) {
	case "PAID":
		return PaymentPaid
	case "PARTIAL":
		return PaymentPartial
	case "OVERPAID":
		return PaymentOverpaid
	case "EXPIRED":
		return PaymentExpired
	default:
		return PaymentFailed
	}
}

// Payment represents a row of the payments table.
type Payment struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	PlanID         uuid.UUID       `json:"plan_id"`
	SubscriptionID *uuid.UUID      `json:"subscription_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	ProcessorID    *string         `json:"processor_id,omitempty"`
	PaymentAddress *string         `json:"payment_address,omitempty"`
	CryptoCurrency *string         `json:"crypto_currency,omitempty"`
	CryptoAmount   *string         `json:"crypto_amount,omitempty"`
	TransactionID  *string         `json:"transaction_id,omitempty"`
	WebhookSecret  *string         `json:"-"`
	ProcessorData  json.RawMessage `json:"processor_data,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RequiresSecret reports whether webhooks for this payment must carry a secret.
func (p Payment) RequiresSecret() bool {
	return p.WebhookSecret != nil && strings.TrimSpace(*p.WebhookSecret) != ""
}

// SecretMatches compares the supplied secret in constant time. Payments created without a
// secret accept any value.
func (p Payment) SecretMatches(secret string) bool {
	if !p.RequiresSecret() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(*p.WebhookSecret), []byte(secret)) == 1
}

// Validate enforces the ledger-level invariants of a Payment.
func (p Payment) Validate() error {
	if p.UserID == uuid.Nil {
		return NewValidationError("user_id", "is required")
	}
	if p.PlanID == uuid.Nil {
		return NewValidationError("plan_id", "is required")
	}
	if !p.Amount.IsPositive() {
		return NewValidationError("amount", "must be greater than zero")
	}
	if strings.TrimSpace(p.Currency) == "" {
		return NewValidationError("currency", "is required")
	}
	if !p.Status.Valid() {
		return NewValidationError("status", "is not a known payment status")
	}
	return nil
}

// Plan is the priced entitlement a Payment buys. Plans are managed outside the ledger.
type Plan struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	DurationDays int             `json:"duration_days"`
	Lifetime     bool            `json:"lifetime"`
	DeviceLimit  int             `json:"device_limit"`
}

// Term returns the end of a term of this plan starting at from.
func (p Plan) Term(from time.Time, lifetimeYears int) time.Time {
	if p.Lifetime {
		return from.AddDate(lifetimeYears, 0, 0)
	}
	return from.AddDate(0, 0, p.DurationDays)
}
