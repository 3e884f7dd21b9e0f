package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook outcome labels.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNotFound     = "not_found"
	OutcomeInvalid      = "invalid"
	OutcomeRateLimited  = "rate_limited"
	OutcomeError        = "error"
)

var (
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_webhooks_total",
			Help: "Processor webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	PaymentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_payment_transitions_total",
			Help: "Payment status transitions applied",
		},
		[]string{"status"},
	)

	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_subscriptions_total",
			Help: "Subscriptions created or extended by completed payments",
		},
		[]string{"action"},
	)

	CommissionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commission_transitions_total",
			Help: "Commission lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)

	PayoutCommissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_payout_commissions_total",
			Help: "Commissions marked paid by payout runs",
		},
	)

	OutboxPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_outbox_publish_total",
			Help: "Outbox dispatch attempts by result",
		},
		[]string{"result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
