package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/metrics"
	"github.com/netsight-io/netsight/internal/store"
)

// LimitResolver yields the effective numeric limit for a user
// (Unlimited when no quota applies).
type LimitResolver interface {
	EffectiveLimit(ctx context.Context, user *store.User) int64
}

// DailyLimiter enforces calendar-day quotas with atomic KV counters.
// The KV server serializes increments, so concurrent callers across
// processes settle on exactly one admission order.
type DailyLimiter struct {
	kv       *kv.Client
	resolver LimitResolver
	service  string
	// now and location are injectable for tests.
	now      func() time.Time
	location *time.Location
	logger   zerolog.Logger
}

func NewDailyLimiter(kvc *kv.Client, resolver LimitResolver, service string, logger zerolog.Logger) *DailyLimiter {
	return &DailyLimiter{
		kv:       kvc,
		resolver: resolver,
		service:  service,
		now:      time.Now,
		location: time.Local,
		logger:   logger.With().Str("component", "daily_limiter").Logger(),
	}
}

// Key format: rl:<service>:<user-id>:<endpoint>:<YYYY-MM-DD>.
func (d *DailyLimiter) key(userID int64, endpoint string, day time.Time) string {
	return fmt.Sprintf("rl:%s:%d:%s:%s", d.service, userID, endpoint, day.Format("2006-01-02"))
}

// secondsToMidnight returns the TTL for today's counter: time remaining
// until the next local midnight, minimum 1 second.
func (d *DailyLimiter) secondsToMidnight(now time.Time) time.Duration {
	local := now.In(d.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, d.location).AddDate(0, 0, 1)
	ttl := midnight.Sub(local)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Allow admits or rejects one call for the user on the endpoint.
//
// Unlimited users are admitted without touching the counter. Otherwise the
// counter is incremented atomically; exceeding the limit yields a
// RateLimited error whose Retry-After equals the counter's remaining TTL.
func (d *DailyLimiter) Allow(ctx context.Context, user *store.User, endpoint string) error {
	limit := d.resolver.EffectiveLimit(ctx, user)
	if limit == Unlimited {
		return nil
	}

	now := d.now()
	key := d.key(user.ID, endpoint, now.In(d.location))
	count, err := d.kv.IncrWithTTL(ctx, key, d.secondsToMidnight(now))
	if err != nil {
		// A down KV store must not take the API down with it; the quota is
		// best-effort across a store outage.
		d.logger.Error().Err(err).Str("key", key).Msg("Quota counter unavailable, admitting")
		return nil
	}

	if count > limit {
		metrics.QuotaRejected(endpoint)
		retryAfter, ttlErr := d.kv.TTL(ctx, key)
		if ttlErr != nil || retryAfter <= 0 {
			retryAfter = d.secondsToMidnight(now)
		}
		d.logger.Info().
			Int64("user_id", user.ID).
			Str("endpoint", endpoint).
			Int64("count", count).
			Int64("limit", limit).
			Msg("Daily quota exceeded")
		return apperr.RateLimitedErr(
			fmt.Sprintf("Daily limit of %d requests exceeded", limit), retryAfter)
	}
	return nil
}

// Remaining reports how many calls the user has left today (Unlimited for
// exempt users). Used by status endpoints; does not increment.
func (d *DailyLimiter) Remaining(ctx context.Context, user *store.User, endpoint string) (int64, error) {
	limit := d.resolver.EffectiveLimit(ctx, user)
	if limit == Unlimited {
		return Unlimited, nil
	}

	key := d.key(user.ID, endpoint, d.now().In(d.location))
	raw, err := d.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}

	var used int64
	fmt.Sscanf(raw, "%d", &used)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
