// Package ratelimit implements a shared fixed-window rate limiter backed by
// the key-value store. Check and consume happen in one atomic read-modify-
// write, so concurrent requests across API instances never overshoot the
// limit. Store failures fail open: availability is preferred over strict
// enforcement, and every fault is logged and counted.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/docstore"
)

// Scope separates independent limit domains sharing the store.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeIP      Scope = "ip"
	ScopeService Scope = "service"
)

// Decision is the outcome of a limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the configured window limit.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetTime is when the current window ends.
	ResetTime time.Time

	// FailedOpen reports that the store was unavailable and the request
	// was allowed without consuming.
	FailedOpen bool
}

// RetryAfter returns the seconds a rejected caller should wait, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetTime.Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// counter is the persisted per-window state.
type counter struct {
	WindowStart int64 `json:"window_start"`
	Count       int   `json:"count"`
}

// counterKey returns the storage key for a limit counter.
// Format: /data/ratelimit/{scope}/{identifier}
func counterKey(scope Scope, identifier string) []byte {
	return []byte(fmt.Sprintf("/data/ratelimit/%s/%s", scope, identifier))
}

var counterPrefix = []byte("/data/ratelimit/")

// Limiter enforces fixed wall-clock-aligned windows over a shared store.
type Limiter struct {
	kv      docstore.KV
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates a limiter over the given key-value store.
func New(kv docstore.KV, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		kv:     kv,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
	}
}

// SetMetrics enables Prometheus metrics for the limiter.
func (l *Limiter) SetMetrics(metrics *Metrics) {
	l.metrics = metrics
}

// CheckAndConsume atomically checks the limit and consumes one unit when
// allowed. A rejected request consumes nothing. Windows are aligned to
// wall-clock multiples of the window duration, so all instances agree on
// window boundaries without coordination.
func (l *Limiter) CheckAndConsume(ctx context.Context, scope Scope, identifier string, limit int, window time.Duration) Decision {
	now := l.now()
	windowStart := now.Truncate(window)
	resetTime := windowStart.Add(window)

	decision := Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - 1,
		ResetTime: resetTime,
	}

	err := l.kv.Update(ctx, counterKey(scope, identifier), func(current []byte) ([]byte, error) {
		var c counter
		if current != nil {
			if err := json.Unmarshal(current, &c); err != nil {
				// Corrupt counter, start a fresh window
				c = counter{}
			}
		}

		if c.WindowStart != windowStart.UnixNano() {
			c = counter{WindowStart: windowStart.UnixNano()}
		}

		if c.Count >= limit {
			decision.Allowed = false
			decision.Remaining = 0
			// Leave the counter untouched
			return current, nil
		}

		c.Count++
		decision.Remaining = limit - c.Count
		return json.Marshal(c)
	})
	if err != nil {
		// Fail open: the request proceeds without consuming
		l.logger.Error("limit store unavailable, failing open",
			zap.String("scope", string(scope)),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		if l.metrics != nil {
			l.metrics.StoreFailuresTotal.Inc()
		}
		return Decision{
			Allowed:    true,
			Limit:      limit,
			Remaining:  limit,
			ResetTime:  resetTime,
			FailedOpen: true,
		}
	}

	if l.metrics != nil {
		if decision.Allowed {
			l.metrics.AllowedTotal.WithLabelValues(string(scope)).Inc()
		} else {
			l.metrics.RejectedTotal.WithLabelValues(string(scope)).Inc()
		}
	}

	return decision
}

// Peek reports the current window state without consuming. Store failures
// fail open like CheckAndConsume.
func (l *Limiter) Peek(ctx context.Context, scope Scope, identifier string, limit int, window time.Duration) Decision {
	now := l.now()
	windowStart := now.Truncate(window)

	decision := Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetTime: windowStart.Add(window),
	}

	raw, err := l.kv.Get(ctx, counterKey(scope, identifier))
	if err != nil {
		if err == docstore.ErrNotFound {
			return decision
		}
		l.logger.Error("limit store unavailable, failing open",
			zap.String("scope", string(scope)),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		if l.metrics != nil {
			l.metrics.StoreFailuresTotal.Inc()
		}
		decision.FailedOpen = true
		return decision
	}

	var c counter
	if json.Unmarshal(raw, &c) != nil || c.WindowStart != windowStart.UnixNano() {
		return decision
	}

	decision.Remaining = limit - c.Count
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	decision.Allowed = c.Count < limit
	return decision
}

// Sweep deletes counters whose window ended before the retention cutoff.
// It deletes in bounded batches so a large backlog never blocks the store.
func (l *Limiter) Sweep(ctx context.Context, retention time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := l.now().Add(-retention).UnixNano()

	var expired [][]byte
	err := l.kv.Iterate(ctx, counterPrefix, func(key, value []byte) bool {
		var c counter
		if err := json.Unmarshal(value, &c); err != nil || c.WindowStart < cutoff {
			k := make([]byte, len(key))
			copy(k, key)
			expired = append(expired, k)
		}
		return len(expired) < batchSize
	})
	if err != nil {
		return 0, err
	}

	for _, key := range expired {
		if err := l.kv.Delete(ctx, key); err != nil {
			return 0, err
		}
	}

	if len(expired) > 0 {
		l.logger.Debug("swept expired limit counters", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// Janitor periodically sweeps expired counters until the context ends.
func (l *Limiter) Janitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx, retention, 500); err != nil {
				l.logger.Warn("limit counter sweep failed", zap.Error(err))
			}
		}
	}
}
