package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/app"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
)

const (
	testAdminSecret = "admin-secret"
	testInternalKey = "internal-key"
)

type serviceStub struct {
	app.Service

	webhookErr       error
	lastNotification domain.WebhookNotification
	lastFilter       store.CommissionFilter
	lastPayoutIDs    []uuid.UUID
	lastExportFrom   time.Time
	lastExportTo     time.Time
	lastExportFormat string
	getAffiliateErr  error
	maintenanceCalls []string
}

func (s *serviceStub) HandleWebhook(_ context.Context, n domain.WebhookNotification) (*domain.WebhookResult, error) {
	s.lastNotification = n
	if s.webhookErr != nil {
		return nil, s.webhookErr
	}
	return &domain.WebhookResult{PaymentID: uuid.MustParse(n.ExternalID), Status: domain.PaymentStatus(n.Status)}, nil
}

func (s *serviceStub) GetAffiliate(_ context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	if s.getAffiliateErr != nil {
		return nil, s.getAffiliateErr
	}
	return &domain.Affiliate{ID: id, Code: "ALICE1"}, nil
}

func (s *serviceStub) ListCommissions(_ context.Context, filter store.CommissionFilter) ([]domain.Commission, error) {
	s.lastFilter = filter
	return nil, nil
}

func (s *serviceStub) ProcessPayout(_ context.Context, affiliateID uuid.UUID, ids []uuid.UUID) (*domain.PayoutResult, error) {
	s.lastPayoutIDs = ids
	return &domain.PayoutResult{AffiliateID: affiliateID, NothingToPay: true, Total: decimal.Zero}, nil
}

func (s *serviceStub) ExportPayouts(_ context.Context, from, to time.Time, format string) (*app.Export, error) {
	s.lastExportFrom, s.lastExportTo, s.lastExportFormat = from, to, format
	if format == "pdf" {
		return nil, app.ErrUnsupportedFormat
	}
	return &app.Export{Filename: "payouts.csv", ContentType: "text/csv", Body: []byte("a,b\n"), Rows: 1}, nil
}

func (s *serviceStub) ExpireStalePayments(context.Context) (*app.MaintenanceResult, error) {
	s.maintenanceCalls = append(s.maintenanceCalls, "expire_payments")
	return &app.MaintenanceResult{Job: "expire_payments", Processed: 3}, nil
}

func (s *serviceStub) CreatePayment(_ context.Context, in app.CreatePaymentInput) (*domain.Payment, error) {
	if in.UserID == uuid.Nil {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	return &domain.Payment{ID: uuid.New(), UserID: in.UserID, PlanID: in.PlanID}, nil
}

func newTestRouter(svc app.Service, limiter app.RateLimiter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(NewHandler(svc, logger), RouterConfig{
		AdminJWTSecret:            testAdminSecret,
		InternalAPIKey:            testInternalKey,
		WebhookLimiter:            limiter,
		WebhookRateLimitPerMinute: 2,
		Logger:                    logger,
	})
}

func adminToken(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin-1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHandleProcessorWebhook(t *testing.T) {
	paymentID := uuid.New()
	body := fmt.Sprintf(`{"external_id":%q,"status":"paid","transaction_id":"tx-1","secret":"s3cret"}`, paymentID)

	t.Run("passes raw payload and source ip", func(t *testing.T) {
		svc := &serviceStub{}
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:4321"
		rec := httptest.NewRecorder()

		newTestRouter(svc, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if svc.lastNotification.SourceIP != "203.0.113.9" {
			t.Fatalf("expected source ip 203.0.113.9, got %q", svc.lastNotification.SourceIP)
		}
		if string(svc.lastNotification.Payload) != body {
			t.Fatalf("expected raw payload to be forwarded, got %s", svc.lastNotification.Payload)
		}
		if svc.lastNotification.Secret != "s3cret" {
			t.Fatalf("expected secret from body, got %q", svc.lastNotification.Secret)
		}
	})

	t.Run("secret header fallback", func(t *testing.T) {
		svc := &serviceStub{}
		noSecret := fmt.Sprintf(`{"external_id":%q,"status":"paid"}`, paymentID)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(noSecret))
		req.Header.Set("X-Webhook-Secret", "from-header")
		rec := httptest.NewRecorder()

		newTestRouter(svc, nil).ServeHTTP(rec, req)

		if svc.lastNotification.Secret != "from-header" {
			t.Fatalf("expected header secret, got %q", svc.lastNotification.Secret)
		}
	})

	errorCases := []struct {
		name string
		err  error
		want int
	}{
		{name: "unauthorized", err: app.ErrUnauthorized, want: http.StatusUnauthorized},
		{name: "duplicate", err: app.ErrDuplicateWebhook, want: http.StatusConflict},
		{name: "unknown payment", err: store.ErrPaymentNotFound, want: http.StatusNotFound},
		{name: "validation", err: domain.NewValidationError("status", "is not recognised"), want: http.StatusUnprocessableEntity},
		{name: "wrapped not found", err: fmt.Errorf("load: %w", store.ErrPaymentNotFound), want: http.StatusNotFound},
		{name: "internal", err: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &serviceStub{webhookErr: tc.err}
			req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(body))
			rec := httptest.NewRecorder()

			newTestRouter(svc, nil).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader("{"))
		rec := httptest.NewRecorder()

		newTestRouter(&serviceStub{}, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestValidationErrorBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/internal/payments", strings.NewReader(`{"plan_id":"`+uuid.NewString()+`"}`))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec := httptest.NewRecorder()

	newTestRouter(&serviceStub{}, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["field"] != "user_id" {
		t.Fatalf("expected field user_id, got %q", payload["field"])
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing key", key: "", want: http.StatusUnauthorized},
		{name: "wrong key", key: "nope", want: http.StatusUnauthorized},
		{name: "valid key", key: testInternalKey, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &serviceStub{}
			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/expire-payments", nil)
			if tt.key != "" {
				req.Header.Set("X-Internal-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()

			newTestRouter(svc, nil).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK && len(svc.maintenanceCalls) != 1 {
				t.Fatalf("expected one maintenance call, got %v", svc.maintenanceCalls)
			}
		})
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	affiliateID := uuid.New()
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing header", token: "", want: http.StatusUnauthorized},
		{name: "wrong signature", token: adminToken(t, "other-secret", "admin"), want: http.StatusUnauthorized},
		{name: "non admin role", token: adminToken(t, testAdminSecret, "support"), want: http.StatusForbidden},
		{name: "admin", token: adminToken(t, testAdminSecret, "admin"), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/affiliates/"+affiliateID.String(), nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()

			newTestRouter(&serviceStub{}, nil).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAdminAffiliateNotFound(t *testing.T) {
	svc := &serviceStub{getAffiliateErr: store.ErrAffiliateNotFound}
	req := httptest.NewRequest(http.MethodGet, "/admin/affiliates/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testAdminSecret, "admin"))
	rec := httptest.NewRecorder()

	newTestRouter(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListCommissionsParsesFilter(t *testing.T) {
	affiliateID := uuid.New()
	svc := &serviceStub{}
	req := httptest.NewRequest(http.MethodGet, "/admin/commissions?affiliate_id="+affiliateID.String()+"&status=APPROVED&limit=25", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testAdminSecret, "admin"))
	rec := httptest.NewRecorder()

	newTestRouter(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.lastFilter.AffiliateID == nil || *svc.lastFilter.AffiliateID != affiliateID {
		t.Fatalf("expected affiliate filter %s, got %v", affiliateID, svc.lastFilter.AffiliateID)
	}
	if svc.lastFilter.Status != domain.CommissionApproved || svc.lastFilter.Limit != 25 {
		t.Fatalf("unexpected filter %+v", svc.lastFilter)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty json array, got %s", rec.Body.String())
	}
}

func TestHandleProcessPayout(t *testing.T) {
	affiliateID := uuid.New()
	token := adminToken(t, testAdminSecret, "admin")

	t.Run("empty body pays everything", func(t *testing.T) {
		svc := &serviceStub{}
		req := httptest.NewRequest(http.MethodPost, "/admin/affiliates/"+affiliateID.String()+"/payouts", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		newTestRouter(svc, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if svc.lastPayoutIDs != nil {
			t.Fatalf("expected nil commission ids, got %v", svc.lastPayoutIDs)
		}
	})

	t.Run("explicit ids", func(t *testing.T) {
		svc := &serviceStub{}
		id := uuid.New()
		body, _ := json.Marshal(map[string]interface{}{"commission_ids": []uuid.UUID{id}})
		req := httptest.NewRequest(http.MethodPost, "/admin/affiliates/"+affiliateID.String()+"/payouts", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		newTestRouter(svc, nil).ServeHTTP(rec, req)

		if len(svc.lastPayoutIDs) != 1 || svc.lastPayoutIDs[0] != id {
			t.Fatalf("expected ids [%s], got %v", id, svc.lastPayoutIDs)
		}
	})

	t.Run("bad affiliate id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/affiliates/not-a-uuid/payouts", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		newTestRouter(&serviceStub{}, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleExportPayouts(t *testing.T) {
	token := adminToken(t, testAdminSecret, "admin")

	t.Run("date only range includes the end day", func(t *testing.T) {
		svc := &serviceStub{}
		req := httptest.NewRequest(http.MethodGet, "/admin/payouts/export?from=2026-05-01&to=2026-05-31&format=csv", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		newTestRouter(svc, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		wantFrom := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		wantTo := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		if !svc.lastExportFrom.Equal(wantFrom) || !svc.lastExportTo.Equal(wantTo) {
			t.Fatalf("expected range %s..%s, got %s..%s", wantFrom, wantTo, svc.lastExportFrom, svc.lastExportTo)
		}
		if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="payouts.csv"` {
			t.Fatalf("unexpected content disposition %q", got)
		}
		if rec.Header().Get("Content-Type") != "text/csv" || rec.Body.String() != "a,b\n" {
			t.Fatalf("unexpected export response %q %q", rec.Header().Get("Content-Type"), rec.Body.String())
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/payouts/export?from=2026-05-01&to=2026-05-31&format=pdf", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		newTestRouter(&serviceStub{}, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("bad date", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/payouts/export?from=May&to=2026-05-31", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		newTestRouter(&serviceStub{}, nil).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestParseDateParam(t *testing.T) {
	tests := []struct {
		raw      string
		want     time.Time
		dateOnly bool
		wantErr  bool
	}{
		{raw: "2026-05-01", want: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), dateOnly: true},
		{raw: "2026-05-01T12:30:00+02:00", want: time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)},
		{raw: "", wantErr: true},
		{raw: "01/05/2026", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, dateOnly, err := parseDateParam(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) || dateOnly != tt.dateOnly {
				t.Fatalf("expected %s dateOnly=%t, got %s dateOnly=%t", tt.want, tt.dateOnly, got, dateOnly)
			}
		})
	}
}
