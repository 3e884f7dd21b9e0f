package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vpnportal/ledger/internal/metrics"
	"github.com/vpnportal/ledger/internal/store"
	"github.com/vpnportal/ledger/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize    = 50
	defaultOutboxPollInterval = 1200 * time.Millisecond
	defaultOutboxStaleAfter   = 2 * time.Minute
	maxOutboxRetryDelay       = 300
)

// PublisherFactory opens a broker connection on demand.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher drains ledger_outbox into the message broker. Failed messages are
// rescheduled with exponential backoff; the broker connection is reopened lazily.
type OutboxDispatcher struct {
	repo         store.OutboxRepository
	connect      PublisherFactory
	publisher    rabbitmq.Publisher
	logger       *slog.Logger
	batchSize    int
	pollInterval time.Duration
	staleAfter   time.Duration
}

func NewOutboxDispatcher(repo store.OutboxRepository, connect PublisherFactory, logger *slog.Logger) *OutboxDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxDispatcher{
		repo:         repo,
		connect:      connect,
		logger:       logger,
		batchSize:    defaultOutboxBatchSize,
		pollInterval: defaultOutboxPollInterval,
		staleAfter:   defaultOutboxStaleAfter,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushOnce claims one batch and publishes it. It returns the number of messages published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, int(d.staleAfter.Seconds()))
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publish(ctx, message); err != nil {
			metrics.OutboxPublishTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("outbox publish failed", "outbox_id", message.ID, "routing_key", message.RoutingKey, "attempts", message.Attempts, "error", err)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryDelaySeconds(message.Attempts), err.Error()); markErr != nil {
				d.logger.Error("failed to reschedule outbox message", "outbox_id", message.ID, "error", markErr)
			}
			continue
		}
		metrics.OutboxPublishTotal.WithLabelValues("published").Inc()
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox message published", "outbox_id", message.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publish(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.connect()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	var payload interface{}
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	if attempt > 8 {
		attempt = 8
	}
	delay := 1 << attempt
	if delay > maxOutboxRetryDelay {
		return maxOutboxRetryDelay
	}
	return delay
}
