package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/ratelimit"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

// WalletHeader identifies the caller's wallet for write throttling.
const WalletHeader = "X-Wallet-Address"

type rateLimitContextKey struct{}

// RateLimitInfo is the caller's quota after the current request.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SetRateLimits stores quota info for handlers further down the chain.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) context.Context {
	return context.WithValue(ctx, rateLimitContextKey{}, rl)
}

// GetRateLimits returns the quota info, or nil when the route is not limited.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	rl, _ := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo)
	return rl
}

// WriteRateLimitHeaders sets the x-ratelimit-*-requests headers from rl.
func WriteRateLimitHeaders(h http.Header, rl *RateLimitInfo) {
	if rl == nil || rl.Limit <= 0 {
		return
	}
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.Limit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.Remaining))
	if !rl.ResetAt.IsZero() {
		h.Set("x-ratelimit-reset-requests", rl.ResetAt.UTC().Format(time.RFC3339))
	}
}

// KeyFunc picks the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP returns the caller's IP. Proxy headers are resolved earlier by
// chi's RealIP middleware, so only RemoteAddr is consulted here.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WalletKey keys by the X-Wallet-Address header, falling back to the client IP.
func WalletKey(r *http.Request) string {
	if wallet := domain.NormalizeAddress(r.Header.Get(WalletHeader)); wallet != "" {
		return "wallet:" + wallet
	}
	return "ip:" + ClientIP(r)
}

// RateLimitMiddleware admits requests through limiter keyed by key. Admitted
// and rejected responses both carry the quota headers; rejected ones get a 429
// with Retry-After and never reach next.
func RateLimitMiddleware(limiter *ratelimit.Limiter, name string, key KeyFunc, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Check(key(r))
			info := &RateLimitInfo{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt}
			WriteRateLimitHeaders(w.Header(), info)

			if !d.Allowed {
				metrics.ObserveRateLimited(name)
				AddLogField(r.Context(), "rate_limited", name)
				WriteError(w, r, &domain.RateLimitExceeded{
					Limit:      d.Limit,
					ResetAt:    d.ResetAt,
					RetryAfter: d.RetryAfter(limiter.Now()),
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(SetRateLimits(r.Context(), info)))
		})
	}
}
