package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type limiterStub struct {
	allowed    bool
	retryAfter int
	err        error
	subjects   []string
}

func (l *limiterStub) Allow(_ context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	l.subjects = append(l.subjects, scope+":"+subject)
	return l.allowed, l.retryAfter, l.err
}

func TestWebhookRateLimitMiddleware(t *testing.T) {
	body := fmt.Sprintf(`{"external_id":%q,"status":"paid"}`, uuid.New())

	tests := []struct {
		name       string
		limiter    *limiterStub
		wantStatus int
	}{
		{name: "allowed", limiter: &limiterStub{allowed: true}, wantStatus: http.StatusOK},
		{name: "limited", limiter: &limiterStub{allowed: false, retryAfter: 17}, wantStatus: http.StatusTooManyRequests},
		{name: "limiter down fails open", limiter: &limiterStub{err: errors.New("redis unavailable")}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(body))
			req.RemoteAddr = "198.51.100.7:5555"
			rec := httptest.NewRecorder()

			newTestRouter(&serviceStub{}, tt.limiter).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if len(tt.limiter.subjects) != 1 || tt.limiter.subjects[0] != "webhook:198.51.100.7" {
				t.Fatalf("unexpected limiter subjects %v", tt.limiter.subjects)
			}
			if tt.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "17" {
				t.Fatalf("expected Retry-After 17, got %q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestWebhookRateLimitUsesForwardedAddress(t *testing.T) {
	limiter := &limiterStub{allowed: true}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", strings.NewReader(fmt.Sprintf(`{"external_id":%q}`, uuid.New())))
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "192.0.2.44")
	rec := httptest.NewRecorder()

	newTestRouter(&serviceStub{}, limiter).ServeHTTP(rec, req)

	if len(limiter.subjects) != 1 || limiter.subjects[0] != "webhook:192.0.2.44" {
		t.Fatalf("expected forwarded address to be limited, got %v", limiter.subjects)
	}
}

func TestAdminAuthMiddlewareStoresSubject(t *testing.T) {
	var subject string
	handler := AdminAuthMiddleware(testAdminSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = AdminFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testAdminSecret, "admin"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if subject != "admin-1" {
		t.Fatalf("expected subject admin-1, got %q", subject)
	}
}

func TestAdminAuthMiddlewareWithoutSecret(t *testing.T) {
	handler := AdminAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "anything", "admin"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInternalAuthMiddlewareOpenWithoutKey(t *testing.T) {
	reached := false
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !reached {
		t.Fatal("expected request to pass without a configured key")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{remote: "203.0.113.1:80", want: "203.0.113.1"},
		{remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{remote: "203.0.113.2", want: "203.0.113.2"},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if got := clientIP(req); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
