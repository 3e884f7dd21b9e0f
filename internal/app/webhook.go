package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/metrics"
	"github.com/vpnportal/ledger/internal/store"
)

// HandleWebhook applies one processor notification. In a single transaction it locks the
// payment, authenticates the delivery, records the webhook log, maps the status, runs
// completion and commission creation for successful payments and enqueues ledger events.
func (l *Ledger) HandleWebhook(ctx context.Context, n domain.WebhookNotification) (*domain.WebhookResult, error) {
	result, err := l.applyWebhook(ctx, n)
	l.recordWebhookOutcome(n, err)
	return result, err
}

func (l *Ledger) applyWebhook(ctx context.Context, n domain.WebhookNotification) (*domain.WebhookResult, error) {
	paymentID, err := uuid.Parse(strings.TrimSpace(n.ExternalID))
	if err != nil {
		return nil, store.ErrPaymentNotFound
	}
	status := domain.NormalizeProcessorStatus(n.Status)
	if status == "" {
		return nil, domain.NewValidationError("status", "is required")
	}

	var result *domain.WebhookResult
	err = l.store.InTx(ctx, func(q store.Queries) error {
		payment, err := q.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !payment.SecretMatches(n.Secret) {
			return ErrUnauthorized
		}

		logged, err := q.InsertWebhookLog(ctx, &domain.WebhookLog{
			PaymentID: payment.ID,
			Status:    status,
			SourceIP:  n.SourceIP,
			Payload:   n.Payload,
		})
		if err != nil {
			return err
		}
		if !logged {
			return ErrDuplicateWebhook
		}

		now := l.now()
		previous := payment.Status
		payment.Status = domain.MapProcessorStatus(status)
		if txID := strings.TrimSpace(n.TransactionID); txID != "" {
			payment.TransactionID = &txID
		}
		if len(n.Payload) > 0 {
			payment.ProcessorData = n.Payload
		}

		result = &domain.WebhookResult{
			PaymentID:      payment.ID,
			PreviousStatus: previous,
			Status:         payment.Status,
		}

		if payment.Status.IsSuccessful() {
			completion, err := l.completePayment(ctx, q, payment, now)
			if err != nil {
				return err
			}
			result.SubscriptionCreated = completion.created
			result.SubscriptionExtended = completion.extended
		}
		result.SubscriptionID = payment.SubscriptionID

		if err := q.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		if err := l.enqueue(ctx, q, domain.EventPaymentStatusChanged, domain.PaymentStatusChangedEvent{
			PaymentID:      payment.ID,
			UserID:         payment.UserID,
			PreviousStatus: previous,
			Status:         payment.Status,
			TransactionID:  strings.TrimSpace(n.TransactionID),
			OccurredAt:     now,
		}); err != nil {
			return err
		}

		if payment.Status.IsSuccessful() {
			commission, err := l.createCommission(ctx, q, payment, now)
			if err != nil {
				return err
			}
			if commission != nil {
				result.CommissionID = &commission.ID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PaymentTransitionsTotal.WithLabelValues(string(result.Status)).Inc()
	if result.SubscriptionCreated {
		metrics.SubscriptionsTotal.WithLabelValues("created").Inc()
	}
	if result.SubscriptionExtended {
		metrics.SubscriptionsTotal.WithLabelValues("extended").Inc()
	}
	return result, nil
}

func (l *Ledger) recordWebhookOutcome(n domain.WebhookNotification, err error) {
	var validationErr *domain.ValidationError
	switch {
	case err == nil:
		metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
		l.logger.Info("webhook applied", "external_id", n.ExternalID, "status", n.Status)
	case errors.Is(err, ErrDuplicateWebhook):
		metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		l.logger.Warn("duplicate webhook rejected", "external_id", n.ExternalID, "status", n.Status, "source_ip", n.SourceIP)
	case errors.Is(err, ErrUnauthorized):
		metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
		l.logger.Warn("webhook secret mismatch", "external_id", n.ExternalID, "source_ip", n.SourceIP)
	case errors.Is(err, store.ErrPaymentNotFound):
		metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeNotFound).Inc()
		l.logger.Warn("webhook for unknown payment", "external_id", n.ExternalID, "source_ip", n.SourceIP)
	case errors.As(err, &validationErr):
		metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
	default:
		metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeError).Inc()
		l.logger.Error("webhook processing failed", "external_id", n.ExternalID, "status", n.Status, "error", err)
	}
}
