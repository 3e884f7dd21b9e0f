/**
 * @description
 * Models for processor status notifications. A WebhookNotification is the parsed request;
 * a WebhookLog is the append-only audit row persisted before the payment is touched.
 *
 * @notes
 * - external_id is the payment id handed to the processor when the invoice was created.
 * - webhook_logs carries a unique (payment_id, status) constraint; the stored status is the
 *   normalised processor status so case-only replays collide.
 */
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookNotification is one delivery from the payment processor.
type WebhookNotification struct {
	ExternalID    string          `json:"external_id"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	Secret        string          `json:"secret,omitempty"`
	SourceIP      string          `json:"-"`
	Payload       json.RawMessage `json:"-"`
}

// WebhookLog is the audit record of an accepted delivery.
type WebhookLog struct {
	ID         uuid.UUID       `json:"id"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	Status     string          `json:"status"`
	SourceIP   string          `json:"source_ip"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// WebhookResult reports what an accepted delivery did to the ledger.
type WebhookResult struct {
	PaymentID            uuid.UUID     `json:"payment_id"`
	PreviousStatus       PaymentStatus `json:"previous_status"`
	Status               PaymentStatus `json:"status"`
	SubscriptionID       *uuid.UUID    `json:"subscription_id,omitempty"`
	SubscriptionCreated  bool          `json:"subscription_created"`
	SubscriptionExtended bool          `json:"subscription_extended"`
	CommissionID         *uuid.UUID    `json:"commission_id,omitempty"`
}
