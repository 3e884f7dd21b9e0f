/**
 * @description
 * This file contains the middleware of the ledger HTTP surface: admin JWT authentication,
 * the internal API key check for server-to-server calls, the per-source-IP webhook rate
 * limit and request latency metrics.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: admin token validation.
 * - github.com/go-chi/chi/v5: route patterns for metric labels.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vpnportal/ledger/internal/app"
	"github.com/vpnportal/ledger/internal/metrics"
)

// AdminContextKey is a custom type for the context key to avoid collisions.
type AdminContextKey string

const adminSubjectKey AdminContextKey = "adminSubject"

// AdminFromContext returns the subject of the authenticated admin token.
func AdminFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(adminSubjectKey).(string)
	return subject, ok
}

// AdminAuthMiddleware accepts HS256 bearer tokens signed with secret whose role claim is "admin".
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				http.Error(w, "Admin authentication is not configured", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if role, _ := claims["role"].(string); role != "admin" {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			subject, _ := claims.GetSubject()

			ctx := context.WithValue(r.Context(), adminSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls. An
// empty key leaves the routes open for local development.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WebhookRateLimitMiddleware caps deliveries per source IP per minute. Limiter errors fail open.
func WebhookRateLimitMiddleware(limiter app.RateLimiter, perMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), "webhook", ip, perMinute, time.Minute)
			if err != nil {
				logger.Warn("webhook rate limiter unavailable", "source_ip", ip, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.WebhooksTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
				logger.Warn("webhook rate limited", "source_ip", ip, "retry_after", retryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware observes request latency labelled by the matched route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// clientIP returns the host part of RemoteAddr, which middleware.RealIP has already
// rewritten from X-Forwarded-For / X-Real-IP.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
