package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/ratelimit"
)

// RateLimitConfig holds the per-scope limits applied to every request.
type RateLimitConfig struct {
	// UserLimit caps authenticated requests per user per window.
	UserLimit int

	// IPLimit caps requests per client IP per window. It backstops
	// unauthenticated abuse and token churn.
	IPLimit int

	// Window is the shared fixed-window duration.
	Window time.Duration
}

// RateLimit returns a middleware enforcing the user and IP limits through
// the shared limiter. Every response carries per-scope X-RateLimit triples
// plus an unscoped triple reporting the stricter budget; a rejection answers
// 429 with a retryAfter hint. A request the IP scope already rejected does
// not consume from the user scope.
func RateLimit(limiter *ratelimit.Limiter, cfg RateLimitConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractClientIP(r)

			ipDecision := limiter.CheckAndConsume(r.Context(), ratelimit.ScopeIP, ip, cfg.IPLimit, cfg.Window)
			decision := ipDecision
			setScopedLimitHeaders(w, "IP", ipDecision)

			if userID, ok := UserIDFromContext(r.Context()); ok {
				var userDecision ratelimit.Decision
				if ipDecision.Allowed {
					userDecision = limiter.CheckAndConsume(r.Context(), ratelimit.ScopeUser, userID, cfg.UserLimit, cfg.Window)
				} else {
					userDecision = limiter.Peek(r.Context(), ratelimit.ScopeUser, userID, cfg.UserLimit, cfg.Window)
				}
				setScopedLimitHeaders(w, "User", userDecision)
				decision = stricter(decision, userDecision)
			}

			setLimitHeaders(w, decision)

			if !decision.Allowed {
				logger.Warn("rate limit exceeded",
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
				)

				retryAfter := decision.RetryAfter(time.Now())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate limit exceeded","retryAfter":%d}`, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// stricter picks the decision the caller must respect: any rejection wins,
// otherwise the smaller remaining budget.
func stricter(a, b ratelimit.Decision) ratelimit.Decision {
	if !a.Allowed {
		return a
	}
	if !b.Allowed {
		return b
	}
	if b.Remaining < a.Remaining {
		return b
	}
	return a
}

func setLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
}

func setScopedLimitHeaders(w http.ResponseWriter, scope string, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit-"+scope, strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining-"+scope, strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset-"+scope, strconv.FormatInt(d.ResetTime.Unix(), 10))
}
