package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// TenantHeader identifies the producer a request is billed against.
const TenantHeader = "X-Tenant-ID"

// Allower is satisfied by ratelimiter.TokenBucket.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// TenantRateLimit rejects producer requests with 429 once the tenant's token
// bucket is empty. Requests without a tenant header are keyed by remote
// address, so RealIP must run first. Limiter errors fail open.
func TenantRateLimit(limiter Allower, onLimited func(), logger *zap.Logger) func(http.Handler) http.Handler {
	if onLimited == nil {
		onLimited = func() {}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(TenantHeader)
			if key == "" {
				key = "addr:" + r.RemoteAddr
			}

			ok, _, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("tenant rate limiter unavailable",
					zap.String("tenant", key),
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				onLimited()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
