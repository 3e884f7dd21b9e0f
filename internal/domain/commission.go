/**
 * @description
 * Commission is the affiliate's earning from one successful payment. Its lifecycle is
 * pending -> approved -> paid, with pending|approved -> cancelled. Transitions requested
 * from any other state are silent no-ops: each method reports whether anything changed.
 */
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommissionStatus is the closed set of states a Commission can be in.
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionApproved  CommissionStatus = "approved"
	CommissionPaid      CommissionStatus = "paid"
	CommissionCancelled CommissionStatus = "cancelled"
)

var hundred = decimal.NewFromInt(100)

// Commission represents a row of the commissions table. At most one exists per payment.
type Commission struct {
	ID                  uuid.UUID        `json:"id"`
	AffiliateID         uuid.UUID        `json:"affiliate_id"`
	PaymentID           uuid.UUID        `json:"payment_id"`
	ReferralID          uuid.UUID        `json:"referral_id"`
	Amount              decimal.Decimal  `json:"amount"`
	Currency            string           `json:"currency"`
	CommissionRate      decimal.Decimal  `json:"commission_rate"`
	Status              CommissionStatus `json:"status"`
	ApprovedAt          *time.Time       `json:"approved_at,omitempty"`
	PaidAt              *time.Time       `json:"paid_at,omitempty"`
	PayoutTransactionID *string          `json:"payout_transaction_id,omitempty"`
	Notes               string           `json:"notes,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// CommissionAmount computes payment amount x rate / 100 rounded to cents.
func CommissionAmount(paymentAmount, rate decimal.Decimal) decimal.Decimal {
	return paymentAmount.Mul(rate).Div(hundred).Round(2)
}

// ValidRate reports whether rate is a percentage in [0, 100].
func ValidRate(rate decimal.Decimal) bool {
	return !rate.IsNegative() && rate.LessThanOrEqual(hundred)
}

// Validate enforces the ledger-level invariants of a Commission before it is inserted.
func (c Commission) Validate() error {
	if !c.Amount.IsPositive() {
		return NewValidationError("amount", "must be greater than zero")
	}
	if !ValidRate(c.CommissionRate) {
		return NewValidationError("commission_rate", "must be between 0 and 100")
	}
	if strings.TrimSpace(c.Currency) == "" {
		return NewValidationError("currency", "is required")
	}
	if c.PaymentID == uuid.Nil || c.AffiliateID == uuid.Nil {
		return NewValidationError("payment_id", "and affiliate_id are required")
	}
	return nil
}

// Approve moves a pending commission to approved.
func (c *Commission) Approve(now time.Time, notes string) bool {
	if c.Status != CommissionPending {
		return false
	}
	c.Status = CommissionApproved
	c.ApprovedAt = &now
	c.UpdatedAt = now
	c.AppendNote(notes)
	return true
}

// Cancel voids a pending or approved commission.
func (c *Commission) Cancel(now time.Time, reason string) bool {
	if c.Status != CommissionPending && c.Status != CommissionApproved {
		return false
	}
	c.Status = CommissionCancelled
	c.UpdatedAt = now
	if reason = strings.TrimSpace(reason); reason != "" {
		c.AppendNote("Cancelled: " + reason)
	} else {
		c.AppendNote("Cancelled")
	}
	return true
}

// MarkPaid records the payout of an approved commission.
func (c *Commission) MarkPaid(now time.Time, transactionID string) bool {
	if c.Status != CommissionApproved {
		return false
	}
	c.Status = CommissionPaid
	c.PaidAt = &now
	c.UpdatedAt = now
	if transactionID != "" {
		c.PayoutTransactionID = &transactionID
		c.AppendNote("Paid: " + transactionID)
	}
	return true
}

// AppendNote adds a line to the audit trail. Existing notes are never rewritten.
func (c *Commission) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if c.Notes == "" {
		c.Notes = note
		return
	}
	c.Notes = c.Notes + "\n" + note
}
