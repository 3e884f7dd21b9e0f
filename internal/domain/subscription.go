package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus enumerates subscription states.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a user's time-bounded entitlement to a plan.
type Subscription struct {
	ID          uuid.UUID          `json:"id"`
	UserID      uuid.UUID          `json:"user_id"`
	PlanID      uuid.UUID          `json:"plan_id"`
	Status      SubscriptionStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// IsCurrent reports whether the subscription grants access at now.
func (s Subscription) IsCurrent(now time.Time) bool {
	return s.Status == SubscriptionActive && s.ExpiresAt.After(now)
}

// ExtendBy pushes expires_at forward by days and keeps the subscription active.
func (s *Subscription) ExtendBy(days int) {
	s.ExpiresAt = s.ExpiresAt.AddDate(0, 0, days)
	s.Status = SubscriptionActive
}

// Cancel marks the subscription cancelled. Returns false when it already was.
func (s *Subscription) Cancel(now time.Time) bool {
	if s.Status == SubscriptionCancelled {
		return false
	}
	s.Status = SubscriptionCancelled
	s.CancelledAt = &now
	return true
}

// Expire moves an active subscription past its expiry into expired.
func (s *Subscription) Expire(now time.Time) bool {
	if s.Status != SubscriptionActive || s.ExpiresAt.After(now) {
		return false
	}
	s.Status = SubscriptionExpired
	return true
}

func (s Subscription) Validate() error {
	if s.UserID == uuid.Nil {
		return NewValidationError("user_id", "is required")
	}
	if s.PlanID == uuid.Nil {
		return NewValidationError("plan_id", "is required")
	}
	if !s.ExpiresAt.After(s.StartedAt) {
		return NewValidationError("expires_at", "must be after started_at")
	}
	return nil
}

// Entitlement summarises what the user's current subscription allows.
type Entitlement struct {
	UserID         uuid.UUID  `json:"user_id"`
	Active         bool       `json:"active"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	PlanID         *uuid.UUID `json:"plan_id,omitempty"`
	PlanName       string     `json:"plan_name,omitempty"`
	DeviceLimit    int        `json:"device_limit"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
