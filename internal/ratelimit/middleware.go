package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"quota/internal/models"
)

// IngressMiddleware rejects requests from addresses that exceed the ingress
// throttle. Admitted requests pass through untouched so the purchase quota
// headers written downstream are the only X-RateLimit-* values a client sees.
func IngressMiddleware(limiter *IngressLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			allowed, info := limiter.Allow(key)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfterSecs := int(info.RetryAfter.Seconds()) + 1
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetAt.Unix()))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)

			errorResp := models.NewErrorResponse("Too many requests", models.ErrorCodeRateLimitExceeded)
			json.NewEncoder(w).Encode(errorResp)

			slog.Warn("Ingress limit exceeded",
				"remote", key,
				"limit", info.Limit,
				"retry_after", retryAfterSecs,
			)
		})
	}
}

// clientIP extracts the client IP from the request, checking proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
