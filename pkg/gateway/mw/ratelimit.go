package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/signloop/signloop/pkg/gateway/apierror"
	"github.com/signloop/signloop/pkg/gateway/config"
	"github.com/signloop/signloop/pkg/gateway/principal"
	"github.com/signloop/signloop/pkg/gateway/ratelimit"
)

// RateLimit throttles requests per principal. Health probes and CORS
// preflights bypass it; the practice WebSocket has its own session
// admission inside the live handler.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimitExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			writeRateLimited(w, r, dec.RetryAfter)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

func rateLimitExempt(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	// Probes must stay cheap and reliable.
	return r.URL.Path == "/healthz" || r.URL.Path == "/readyz"
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter int) {
	reqID, _ := RequestIDFrom(r.Context())
	e := &apierror.Error{
		Type:      apierror.ErrRateLimit,
		Message:   "rate limit exceeded",
		RequestID: reqID,
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		e.RetryAfter = &retryAfter
	}
	writeJSONError(w, http.StatusTooManyRequests, e)
}
