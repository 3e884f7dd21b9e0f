/**
 * @description
 * HTTP router setup for the ledger service using go-chi/chi.
 */
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vpnportal/ledger/internal/app"
)

// RouterConfig carries the settings the router needs beyond the handler itself.
type RouterConfig struct {
	AdminJWTSecret            string
	InternalAPIKey            string
	AllowedOrigins            []string
	WebhookLimiter            app.RateLimiter
	WebhookRateLimitPerMinute int
	Logger                    *slog.Logger
}

// NewRouter creates a new Chi router and registers ledger routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Content-Disposition", "X-Export-Rows"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ledger service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(WebhookRateLimitMiddleware(cfg.WebhookLimiter, cfg.WebhookRateLimitPerMinute, logger)).
		Post("/webhooks/processor", h.handleProcessorWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/payments", h.handleCreatePayment)
		r.Get("/payments/{id}", h.handleGetPayment)
		r.Get("/users/{userID}/subscription", h.handleCurrentSubscription)
		r.Get("/users/{userID}/entitlement", h.handleEntitlement)
		r.Post("/subscriptions/{id}/cancel", h.handleCancelSubscription)
		r.Post("/clicks", h.handleTrackClick)
		r.Post("/referrals", h.handleAttributeSignup)
		r.Post("/maintenance/expire-payments", h.handleExpirePayments)
		r.Post("/maintenance/expire-subscriptions", h.handleExpireSubscriptions)
		r.Post("/maintenance/auto-approve-commissions", h.handleAutoApproveCommissions)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))

		r.Post("/affiliates", h.handleCreateAffiliate)
		r.Get("/affiliates/{id}", h.handleGetAffiliate)
		r.Put("/affiliates/{id}/rate", h.handleUpdateAffiliateRate)
		r.Put("/affiliates/{id}/status", h.handleSetAffiliateStatus)
		r.Post("/affiliates/{id}/reconcile", h.handleReconcileAffiliate)
		r.Get("/affiliates/{id}/payout", h.handleNewPayout)
		r.Post("/affiliates/{id}/payouts", h.handleProcessPayout)

		r.Get("/commissions", h.handleListCommissions)
		r.Post("/commissions/{id}/approve", h.handleApproveCommission)
		r.Post("/commissions/{id}/cancel", h.handleCancelCommission)
		r.Post("/commissions/{id}/mark-paid", h.handleMarkCommissionPaid)

		r.Post("/referrals/{id}/reject", h.handleRejectReferral)

		r.Get("/payouts/eligible", h.handleListEligibleAffiliates)
		r.Get("/payouts/export", h.handleExportPayouts)
	})

	return r
}
