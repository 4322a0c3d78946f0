package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/kv"
	"github.com/netsight-io/netsight/internal/store"
)

type fixedResolver struct{ limit int64 }

func (f fixedResolver) EffectiveLimit(context.Context, *store.User) int64 { return f.limit }

func newDailyLimiter(t *testing.T, limit int64) (*DailyLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvc := kv.NewFromClient(rdb, zerolog.Nop())
	return NewDailyLimiter(kvc, fixedResolver{limit: limit}, "backend", zerolog.Nop()), mr
}

var quotaUser = &store.User{ID: 42, Username: "alice", Role: store.RoleMember}

func TestDailyLimitExactlyLAdmissions(t *testing.T) {
	d, _ := newDailyLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	}

	err := d.Allow(ctx, quotaUser, "chat")
	require.Error(t, err)
	require.Equal(t, apperr.RateLimited, apperr.KindOf(err))
	require.Greater(t, apperr.RetryAfterOf(err), time.Duration(0))
}

func TestDailyLimitConcurrentCallers(t *testing.T) {
	d, _ := newDailyLimiter(t, 5)
	ctx := context.Background()

	var allowed, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Allow(ctx, quotaUser, "chat"); err == nil {
				atomic.AddInt64(&allowed, 1)
			} else {
				require.Equal(t, apperr.RateLimited, apperr.KindOf(err))
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	// The KV server serializes increments: exactly the limit is admitted.
	require.Equal(t, int64(5), allowed)
	require.Equal(t, int64(5), rejected)
}

func TestUnlimitedNeverRejectsOrCounts(t *testing.T) {
	d, mr := newDailyLimiter(t, Unlimited)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	}
	// No counter was written at all.
	require.Empty(t, mr.Keys())
}

func TestRetryAfterBoundedByMidnight(t *testing.T) {
	d, _ := newDailyLimiter(t, 1)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 26, 23, 59, 30, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	d.location = time.UTC

	require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	err := d.Allow(ctx, quotaUser, "chat")
	require.Equal(t, apperr.RateLimited, apperr.KindOf(err))
	require.LessOrEqual(t, apperr.RetryAfterOf(err), 30*time.Second)
}

func TestRemainingTracksConsumption(t *testing.T) {
	d, _ := newDailyLimiter(t, 5)
	ctx := context.Background()

	// Fresh day: the full allowance is left and no counter exists yet.
	left, err := d.Remaining(ctx, quotaUser, "chat")
	require.NoError(t, err)
	require.Equal(t, int64(5), left)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	}

	left, err = d.Remaining(ctx, quotaUser, "chat")
	require.NoError(t, err)
	require.Equal(t, int64(2), left)
}

func TestRemainingFloorsAtZero(t *testing.T) {
	d, _ := newDailyLimiter(t, 1)
	ctx := context.Background()

	require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	require.Error(t, d.Allow(ctx, quotaUser, "chat"))

	left, err := d.Remaining(ctx, quotaUser, "chat")
	require.NoError(t, err)
	require.Equal(t, int64(0), left)
}

func TestRemainingUnlimitedUser(t *testing.T) {
	d, _ := newDailyLimiter(t, Unlimited)

	left, err := d.Remaining(context.Background(), quotaUser, "chat")
	require.NoError(t, err)
	require.Equal(t, Unlimited, left)
}

func TestKeyFormat(t *testing.T) {
	d, _ := newDailyLimiter(t, 10)
	day := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "rl:backend:42:chat:2026-08-26", d.key(42, "chat", day))
}

func TestCounterResetsNextDay(t *testing.T) {
	d, mr := newDailyLimiter(t, 2)
	ctx := context.Background()

	d.location = time.UTC
	d.now = func() time.Time { return time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC) }

	require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
	require.Error(t, d.Allow(ctx, quotaUser, "chat"))

	// Midnight passes: the key expires and a fresh day begins.
	mr.FastForward(2 * time.Hour)
	d.now = func() time.Time { return time.Date(2026, 8, 27, 1, 0, 0, 0, time.UTC) }
	require.NoError(t, d.Allow(ctx, quotaUser, "chat"))
}
