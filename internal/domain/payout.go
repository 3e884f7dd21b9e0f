package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutResult summarises one payout run.
type PayoutResult struct {
	AffiliateID   uuid.UUID       `json:"affiliate_id"`
	NothingToPay  bool            `json:"nothing_to_pay"`
	Count         int             `json:"count"`
	Total         decimal.Decimal `json:"total"`
	CommissionIDs []uuid.UUID     `json:"commission_ids"`
	References    []string        `json:"references"`
}

// PayoutPreview lists what a payout for one affiliate would cover right now.
type PayoutPreview struct {
	Affiliate   Affiliate       `json:"affiliate"`
	Eligible    bool            `json:"eligible"`
	Commissions []Commission    `json:"commissions"`
	Total       decimal.Decimal `json:"total"`
}

// PayoutExportRow is one paid commission in a payout export.
type PayoutExportRow struct {
	PaidAt         time.Time       `json:"date"`
	AffiliateID    uuid.UUID       `json:"affiliate_id"`
	AffiliateCode  string          `json:"affiliate_code"`
	CommissionID   uuid.UUID       `json:"commission_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	TransactionID  string          `json:"transaction_id"`
	PayoutCurrency string          `json:"payout_currency"`
}

// ReconciliationReport compares stored and derived balances of one affiliate.
type ReconciliationReport struct {
	AffiliateID uuid.UUID `json:"affiliate_id"`
	Stored      Balances  `json:"stored"`
	Derived     Balances  `json:"derived"`
	Drift       bool      `json:"drift"`
}
