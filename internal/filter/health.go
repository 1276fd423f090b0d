package filter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// healthTTL bounds how long a consecutive-failure counter survives without
// being reset by a success, so a filter that was broken last week doesn't
// read as degraded forever.
const healthTTL = 24 * time.Hour

// HealthTracker records consecutive-timeout and consecutive-crash counts
// per filter command in Redis. Unlike in-process counters, these survive a
// restart of this proxy instance, which matters because the core's
// lifetime bugs historically showed up as slow accumulation across many
// short-lived sessions rather than within one.
type HealthTracker struct {
	rdb *redis.Client
}

// NewHealthTracker wraps a Redis client. A nil *HealthTracker (not just a
// nil client) is valid and makes every method a no-op, so callers that
// don't configure Redis can pass nil through unconditionally.
func NewHealthTracker(rdb *redis.Client) *HealthTracker {
	return &HealthTracker{rdb: rdb}
}

func timeoutKey(filterID string) string { return "smtpd:filter:health:" + filterID + ":timeout" }
func crashKey(filterID string) string   { return "smtpd:filter:health:" + filterID + ":crash" }

// RecordTimeout increments the consecutive-timeout counter for filterID
// and returns the new count.
func (h *HealthTracker) RecordTimeout(ctx context.Context, filterID string) (int64, error) {
	if h == nil || h.rdb == nil {
		return 0, nil
	}
	key := timeoutKey(filterID)
	n, err := h.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	h.rdb.Expire(ctx, key, healthTTL)
	return n, nil
}

// RecordCrash increments the consecutive-crash counter for filterID and
// returns the new count.
func (h *HealthTracker) RecordCrash(ctx context.Context, filterID string) (int64, error) {
	if h == nil || h.rdb == nil {
		return 0, nil
	}
	key := crashKey(filterID)
	n, err := h.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	h.rdb.Expire(ctx, key, healthTTL)
	return n, nil
}

// RecordSuccess clears both counters for filterID after a non-error
// verdict.
func (h *HealthTracker) RecordSuccess(ctx context.Context, filterID string) error {
	if h == nil || h.rdb == nil {
		return nil
	}
	return h.rdb.Del(ctx, timeoutKey(filterID), crashKey(filterID)).Err()
}

// Degraded reports whether filterID has reached threshold on either
// counter.
func (h *HealthTracker) Degraded(ctx context.Context, filterID string, threshold int64) bool {
	if h == nil || h.rdb == nil {
		return false
	}
	for _, key := range []string{timeoutKey(filterID), crashKey(filterID)} {
		v, err := h.rdb.Get(ctx, key).Int64()
		if err == nil && v >= threshold {
			return true
		}
	}
	return false
}
