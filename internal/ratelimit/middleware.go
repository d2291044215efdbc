package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"strategy-pipeline/internal/telemetry"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// SnapshotOrClient keys status polls by snapshot id, falling back to the
// client address for requests without one.
func SnapshotOrClient(r *http.Request) string {
	if id := r.URL.Query().Get("snapshot_id"); id != "" {
		return "snapshot:" + id
	}
	return "client:" + ClientIP(r)
}

// ClientIP returns the request's remote host without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests with 429 once the bucket for key(r) is empty.
// Limiter errors fail open.
func (b *TokenBucket) Middleware(prefix string, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := b.Take(r.Context(), "rl:"+prefix+":"+key(r))
			if err != nil {
				zap.L().Warn("rate limiter unavailable", zap.String("route", prefix), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limited"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, minimum one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
