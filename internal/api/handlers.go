/**
 * @description
 * HTTP handlers for the ledger. Handlers decode the request, call the application service
 * and translate its sentinel errors into status codes in writeServiceError.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/app"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
)

const maxWebhookBodyBytes = 1 << 20

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service app.Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service app.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

type webhookRequest struct {
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Secret        string `json:"secret"`
}

func (h *Handler) handleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Secret == "" {
		req.Secret = r.Header.Get("X-Webhook-Secret")
	}

	result, err := h.service.HandleWebhook(r.Context(), domain.WebhookNotification{
		ExternalID:    req.ExternalID,
		Status:        req.Status,
		TransactionID: req.TransactionID,
		Secret:        req.Secret,
		SourceIP:      clientIP(r),
		Payload:       body,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req app.CreatePaymentInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	payment, err := h.service.CreatePayment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	sub, err := h.service.CurrentSubscription(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	ent, err := h.service.Entitlement(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ent)
}

func (h *Handler) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.service.CancelSubscription(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

type trackClickRequest struct {
	Code        string `json:"code"`
	IP          string `json:"ip"`
	LandingPage string `json:"landing_page"`
}

func (h *Handler) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	var req trackClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	click, err := h.service.TrackClick(r.Context(), req.Code, req.IP, req.LandingPage)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, click)
}

type attributeSignupRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	Code        string    `json:"code"`
	IP          string    `json:"ip"`
	LandingPage string    `json:"landing_page"`
}

func (h *Handler) handleAttributeSignup(w http.ResponseWriter, r *http.Request) {
	var req attributeSignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	referral, err := h.service.AttributeSignup(r.Context(), app.AttributeSignupInput{
		UserID:      req.UserID,
		Code:        req.Code,
		IP:          req.IP,
		LandingPage: req.LandingPage,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, referral)
}

func (h *Handler) handleExpirePayments(w http.ResponseWriter, r *http.Request) {
	h.runMaintenance(w, r, h.service.ExpireStalePayments)
}

func (h *Handler) handleExpireSubscriptions(w http.ResponseWriter, r *http.Request) {
	h.runMaintenance(w, r, h.service.ExpireLapsedSubscriptions)
}

func (h *Handler) handleAutoApproveCommissions(w http.ResponseWriter, r *http.Request) {
	h.runMaintenance(w, r, h.service.AutoApproveCommissions)
}

func (h *Handler) runMaintenance(w http.ResponseWriter, r *http.Request, job func(ctx context.Context) (*app.MaintenanceResult, error)) {
	result, err := job(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func (h *Handler) handleRejectReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	referral, err := h.service.RejectReferral(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, referral)
}

type createAffiliateRequest struct {
	UserID              *uuid.UUID             `json:"user_id"`
	Code                string                 `json:"code"`
	CommissionRate      *decimal.Decimal       `json:"commission_rate"`
	Status              domain.AffiliateStatus `json:"status"`
	PayoutCurrency      string                 `json:"payout_currency"`
	PayoutAddress       string                 `json:"payout_address"`
	MinimumPayoutAmount *decimal.Decimal       `json:"minimum_payout_amount"`
}

func (h *Handler) handleCreateAffiliate(w http.ResponseWriter, r *http.Request) {
	var req createAffiliateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	affiliate, err := h.service.CreateAffiliate(r.Context(), app.CreateAffiliateInput{
		UserID:              req.UserID,
		Code:                req.Code,
		CommissionRate:      req.CommissionRate,
		Status:              req.Status,
		PayoutCurrency:      req.PayoutCurrency,
		PayoutAddress:       req.PayoutAddress,
		MinimumPayoutAmount: req.MinimumPayoutAmount,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, affiliate)
}

func (h *Handler) handleGetAffiliate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	affiliate, err := h.service.GetAffiliate(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, affiliate)
}

func (h *Handler) handleUpdateAffiliateRate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		CommissionRate decimal.Decimal `json:"commission_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	affiliate, err := h.service.UpdateAffiliateRate(r.Context(), id, req.CommissionRate)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, affiliate)
}

func (h *Handler) handleSetAffiliateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status domain.AffiliateStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	affiliate, err := h.service.SetAffiliateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, affiliate)
}

func (h *Handler) handleReconcileAffiliate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	report, err := h.service.ReconcileAffiliate(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListCommissions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter store.CommissionFilter
	if raw := strings.TrimSpace(query.Get("affiliate_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "Invalid affiliate_id", http.StatusBadRequest)
			return
		}
		filter.AffiliateID = &id
	}
	if raw := strings.TrimSpace(query.Get("referral_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "Invalid referral_id", http.StatusBadRequest)
			return
		}
		filter.ReferralID = &id
	}
	filter.Status = domain.CommissionStatus(strings.ToLower(strings.TrimSpace(query.Get("status"))))
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	commissions, err := h.service.ListCommissions(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if commissions == nil {
		commissions = []domain.Commission{}
	}
	respondWithJSON(w, http.StatusOK, commissions)
}

func (h *Handler) handleApproveCommission(w http.ResponseWriter, r *http.Request) {
	h.commissionAction(w, r, func(id uuid.UUID, req reasonRequest) (*domain.Commission, error) {
		return h.service.ApproveCommission(r.Context(), id, req.Notes)
	})
}

func (h *Handler) handleCancelCommission(w http.ResponseWriter, r *http.Request) {
	h.commissionAction(w, r, func(id uuid.UUID, req reasonRequest) (*domain.Commission, error) {
		return h.service.CancelCommission(r.Context(), id, req.Reason)
	})
}

func (h *Handler) handleMarkCommissionPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	commission, err := h.service.MarkCommissionPaid(r.Context(), id, req.TransactionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, commission)
}

func (h *Handler) commissionAction(w http.ResponseWriter, r *http.Request, action func(id uuid.UUID, req reasonRequest) (*domain.Commission, error)) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	commission, err := action(id, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, commission)
}

func (h *Handler) handleListEligibleAffiliates(w http.ResponseWriter, r *http.Request) {
	minBalance := decimal.Zero
	if raw := strings.TrimSpace(r.URL.Query().Get("min_balance")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			http.Error(w, "Invalid min_balance", http.StatusBadRequest)
			return
		}
		minBalance = parsed
	}
	affiliates, err := h.service.ListEligibleAffiliates(r.Context(), minBalance)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if affiliates == nil {
		affiliates = []domain.Affiliate{}
	}
	respondWithJSON(w, http.StatusOK, affiliates)
}

func (h *Handler) handleNewPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	preview, err := h.service.NewPayout(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, preview)
}

func (h *Handler) handleProcessPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		CommissionIDs []uuid.UUID `json:"commission_ids"`
	}
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := h.service.ProcessPayout(r.Context(), id, req.CommissionIDs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleExportPayouts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, _, err := parseDateParam(query.Get("from"))
	if err != nil {
		http.Error(w, "Invalid from date", http.StatusBadRequest)
		return
	}
	to, dateOnly, err := parseDateParam(query.Get("to"))
	if err != nil {
		http.Error(w, "Invalid to date", http.StatusBadRequest)
		return
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}

	export, err := h.service.ExportPayouts(r.Context(), from, to, query.Get("format"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.Header().Set("X-Export-Rows", strconv.Itoa(export.Rows))
	w.WriteHeader(http.StatusOK)
	w.Write(export.Body)
}

// writeServiceError maps application errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
	case errors.Is(err, app.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, app.ErrDuplicateWebhook):
		http.Error(w, "Duplicate webhook", http.StatusConflict)
	case errors.Is(err, store.ErrReferralExists),
		errors.Is(err, store.ErrAffiliateCodeTaken),
		errors.Is(err, app.ErrAffiliateNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, app.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrPlanNotFound),
		errors.Is(err, store.ErrSubscriptionNotFound),
		errors.Is(err, store.ErrReferralNotFound),
		errors.Is(err, store.ErrCommissionNotFound),
		errors.Is(err, store.ErrAffiliateNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid %s", name), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptionalBody decodes a JSON body when one is present.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// parseDateParam accepts YYYY-MM-DD or RFC3339 and reports whether the value was a bare date.
func parseDateParam(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
