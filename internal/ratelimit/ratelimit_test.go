package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
)

type fakeStore struct {
	sentByScope map[string]int
	upserts     []domain.RateCounter
}

func newFakeStore() *fakeStore {
	return &fakeStore{sentByScope: map[string]int{}}
}

func (f *fakeStore) CountSentInWindow(ctx context.Context, senderID *string, windowStart, windowEnd time.Time) (int, error) {
	scope := "global"
	if senderID != nil {
		scope = *senderID
	}
	return f.sentByScope[scope], nil
}

func (f *fakeStore) UpsertRateCounter(ctx context.Context, rc domain.RateCounter) error {
	f.upserts = append(f.upserts, rc)
	return nil
}

func newTestLimiter(t *testing.T, globalLimit, senderLimit int, now time.Time) (*Limiter, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := newFakeStore()
	lim := New(rdb, store, clock.NewFixed(now), globalLimit, senderLimit)
	return lim, store, mr
}

func TestLimiter_AllowsUnderCapAndDenialsOverCap(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 15, 0, 0, time.UTC)
	lim, _, _ := newTestLimiter(t, 2, 2, now)
	ctx := context.Background()
	sender := "sender-1"

	for i := 0; i < 2; i++ {
		d, err := lim.Check(ctx, &sender)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, lim.Increment(ctx, &sender))
	}

	d, err := lim.Check(ctx, &sender)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, d.ResetAt, d.NextSlotAt)
}

func TestLimiter_GlobalCapBindsAcrossSenders(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 15, 0, 0, time.UTC)
	lim, _, _ := newTestLimiter(t, 1, 100, now)
	ctx := context.Background()
	senderA, senderB := "a", "b"

	require.NoError(t, lim.Increment(ctx, &senderA))

	d, err := lim.Check(ctx, &senderB)
	require.NoError(t, err)
	require.False(t, d.Allowed, "global cap of 1 should deny a different sender's next send")
}

func TestLimiter_IncrementUpsertsDurableCounter(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 15, 0, 0, time.UTC)
	lim, store, _ := newTestLimiter(t, 10, 10, now)
	sender := "sender-1"

	require.NoError(t, lim.Increment(context.Background(), &sender))
	require.Len(t, store.upserts, 2, "expects one global and one sender counter upsert")
}

func TestLimiter_FallsBackToDurableStoreOnRedisFailure(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 15, 0, 0, time.UTC)
	lim, store, mr := newTestLimiter(t, 5, 5, now)
	store.sentByScope["global"] = 5

	mr.Close() // force the fast path to fail

	d, err := lim.Check(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, d.Allowed, "durable fallback should see the global cap already exhausted")
}

func TestLimiter_NoSenderOnlyChecksGlobal(t *testing.T) {
	now := time.Date(2026, 7, 29, 10, 15, 0, 0, time.UTC)
	lim, _, _ := newTestLimiter(t, 1, 0, now)

	d, err := lim.Check(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
