/**
 * @description
 * Affiliate model and its derived balances. pending_balance, lifetime_earnings and
 * paid_out_total are caches of aggregates over the affiliate's commissions and are only
 * ever written by recomputation.
 */
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AffiliateStatus string

const (
	AffiliatePending   AffiliateStatus = "pending"
	AffiliateActive    AffiliateStatus = "active"
	AffiliateSuspended AffiliateStatus = "suspended"
)

func (s AffiliateStatus) Valid() bool {
	return s == AffiliatePending || s == AffiliateActive || s == AffiliateSuspended
}

// AffiliateCodeLength is the length of generated affiliate codes.
const AffiliateCodeLength = 8

type Affiliate struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              *uuid.UUID      `json:"user_id,omitempty"`
	Code                string          `json:"code"`
	CommissionRate      decimal.Decimal `json:"commission_rate"`
	Status              AffiliateStatus `json:"status"`
	PayoutCurrency      string          `json:"payout_currency"`
	PayoutAddress       string          `json:"payout_address,omitempty"`
	MinimumPayoutAmount decimal.Decimal `json:"minimum_payout_amount"`
	PendingBalance      decimal.Decimal `json:"pending_balance"`
	LifetimeEarnings    decimal.Decimal `json:"lifetime_earnings"`
	PaidOutTotal        decimal.Decimal `json:"paid_out_total"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NormalizeAffiliateCode upper-cases and trims a user supplied code.
func NormalizeAffiliateCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateAffiliateCode returns a random upper-case alphanumeric code.
func GenerateAffiliateCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:AffiliateCodeLength])
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func (a Affiliate) Validate() error {
	if a.Code == "" || !isAlnum(a.Code) {
		return NewValidationError("code", "must be upper-case alphanumeric")
	}
	if !ValidRate(a.CommissionRate) {
		return NewValidationError("commission_rate", "must be between 0 and 100")
	}
	if !a.Status.Valid() {
		return NewValidationError("status", "is not a known affiliate status")
	}
	if a.MinimumPayoutAmount.IsNegative() {
		return NewValidationError("minimum_payout_amount", "must not be negative")
	}
	return nil
}

// EligibleForPayout applies the payout gate: active and pending balance strictly above
// the affiliate's minimum.
func (a Affiliate) EligibleForPayout() bool {
	return a.Status == AffiliateActive && a.PendingBalance.GreaterThan(a.MinimumPayoutAmount)
}

// Balances is the derived money position of one affiliate.
type Balances struct {
	PendingBalance   decimal.Decimal `json:"pending_balance"`
	LifetimeEarnings decimal.Decimal `json:"lifetime_earnings"`
	PaidOutTotal     decimal.Decimal `json:"paid_out_total"`
}

// ComputeBalances derives balances from a commission set. It is the reference the stored
// balances must always agree with.
func ComputeBalances(commissions []Commission) Balances {
	b := Balances{PendingBalance: decimal.Zero, LifetimeEarnings: decimal.Zero, PaidOutTotal: decimal.Zero}
	for _, c := range commissions {
		switch c.Status {
		case CommissionPending:
			b.PendingBalance = b.PendingBalance.Add(c.Amount)
		case CommissionApproved:
			b.LifetimeEarnings = b.LifetimeEarnings.Add(c.Amount)
		case CommissionPaid:
			b.LifetimeEarnings = b.LifetimeEarnings.Add(c.Amount)
			b.PaidOutTotal = b.PaidOutTotal.Add(c.Amount)
		}
	}
	return b
}

// Balances returns the stored balances.
func (a Affiliate) Balances() Balances {
	return Balances{PendingBalance: a.PendingBalance, LifetimeEarnings: a.LifetimeEarnings, PaidOutTotal: a.PaidOutTotal}
}

// Equal compares two balance sets by value.
func (b Balances) Equal(o Balances) bool {
	return b.PendingBalance.Equal(o.PendingBalance) &&
		b.LifetimeEarnings.Equal(o.LifetimeEarnings) &&
		b.PaidOutTotal.Equal(o.PaidOutTotal)
}

// PayoutReference mints a payout transaction reference for the affiliate's payout currency.
func PayoutReference(payoutCurrency string) string {
	prefix := "MANUAL"
	switch strings.ToUpper(strings.TrimSpace(payoutCurrency)) {
	case "BTC":
		prefix = "BTC"
	case "ETH":
		prefix = "ETH"
	case "BANK":
		prefix = "BANK"
	}
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + "-" + random[:16]
}
