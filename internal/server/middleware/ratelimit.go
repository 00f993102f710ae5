package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/httprate"

	"github.com/faucetdb/spigot/internal/metrics"
	"github.com/faucetdb/spigot/internal/ratelimit"
)

// RateLimit returns an HTTP middleware that counts requests per client
// origin in fixed windows of policy p. Rejected requests get 429 with
// X-RateLimit-Limit, X-RateLimit-Window and Retry-After.
func RateLimit(limiter *ratelimit.Limiter, p ratelimit.Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	return httprate.Limit(
		p.Limit,
		p.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return ClientOrigin(r), nil
		}),
		httprate.WithLimitCounter(limiter.Counter(p)),
		httprate.WithResponseHeaders(httprate.ResponseHeaders{
			Limit:      "X-RateLimit-Limit",
			Remaining:  "X-RateLimit-Remaining",
			RetryAfter: "Retry-After",
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Peek(ClientOrigin(r), p)
			if err != nil {
				logger.Warn("rate limit lookup failed", "policy", p.Name, "error", err)
				d = ratelimit.Decision{Limit: p.Limit, Window: p.Window, RetryAfter: limiter.RetryAfter(p)}
			}
			retry := d.RetryAfterSeconds()
			window := int(d.Window.Seconds())

			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Window", strconv.Itoa(window))

			metrics.RateLimitExceeded.WithLabelValues(p.Name).Inc()
			logger.Warn("rate limit exceeded",
				"policy", p.Name,
				"origin", ClientOrigin(r),
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()))

			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", map[string]interface{}{
				"retryAfter": retry,
				"limit":      d.Limit,
				"window":     window,
			})
		}),
		httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("rate limiter failure", "policy", p.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		}),
	)
}
