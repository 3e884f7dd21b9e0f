/**
 * @description
 * Referral attribution records. A Referral ties one user to the affiliate whose link
 * brought them in; AffiliateClick rows are the anonymous visits preceding a signup.
 */
package domain

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralConverted ReferralStatus = "converted"
	ReferralRejected  ReferralStatus = "rejected"
)

// Referral links a referred user to an affiliate. A user has at most one.
type Referral struct {
	ID           uuid.UUID      `json:"id"`
	AffiliateID  uuid.UUID      `json:"affiliate_id"`
	UserID       uuid.UUID      `json:"user_id"`
	ReferralCode string         `json:"referral_code"`
	IPHash       string         `json:"ip_hash,omitempty"`
	LandingPage  string         `json:"landing_page,omitempty"`
	Status       ReferralStatus `json:"status"`
	ClickedAt    time.Time      `json:"clicked_at"`
	ConvertedAt  *time.Time     `json:"converted_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Convert marks the referral converted. Converted and rejected referrals are left alone.
func (r *Referral) Convert(now time.Time) bool {
	if r.Status != ReferralPending {
		return false
	}
	r.Status = ReferralConverted
	r.ConvertedAt = &now
	return true
}

// Reject marks the referral rejected. Rejecting twice is a no-op.
func (r *Referral) Reject() bool {
	if r.Status == ReferralRejected {
		return false
	}
	r.Status = ReferralRejected
	return true
}

// AffiliateClick is a single visit through an affiliate link.
type AffiliateClick struct {
	ID          uuid.UUID  `json:"id"`
	AffiliateID uuid.UUID  `json:"affiliate_id"`
	IPHash      string     `json:"ip_hash"`
	LandingPage string     `json:"landing_page,omitempty"`
	ClickedAt   time.Time  `json:"clicked_at"`
	Converted   bool       `json:"converted"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
}

// HashIP derives the stored ip_hash from a client address. The raw address is never persisted.
func HashIP(salt []byte, ip string) string {
	if ip == "" {
		return ""
	}
	var key []byte
	if len(salt) > 0 {
		key = salt
		if len(key) > blake2b.Size {
			sum := blake2b.Sum256(key)
			key = sum[:]
		}
	}
	h, err := blake2b.New256(key)
	if err != nil {
		sum := blake2b.Sum256([]byte(ip))
		return hex.EncodeToString(sum[:])
	}
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}
