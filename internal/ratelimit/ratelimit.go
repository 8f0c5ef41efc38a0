// Package ratelimit implements the global and per-sender hourly send
// quota: an atomic Redis fast path with a durable-store fallback that
// counts sent messages directly when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/logger"
)

// Store is the durable-fallback and upsert dependency: counting SENT
// messages in a window, and persisting the fast path's counter so a
// restart does not lose the current hour's tally.
type Store interface {
	CountSentInWindow(ctx context.Context, senderID *string, windowStart, windowEnd time.Time) (int, error)
	UpsertRateCounter(ctx context.Context, rc domain.RateCounter) error
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	NextSlotAt time.Time
}

// Limiter enforces a global and a per-sender hourly cap using atomic
// Redis Lua scripts, falling back to a durable-store count on Redis
// failure.
type Limiter struct {
	redis *redis.Client
	store Store
	clock clock.Clock

	globalLimit int
	senderLimit int

	checkScript     *redis.Script
	incrementScript *redis.Script
}

// New builds a Limiter. globalLimit and senderLimit are the hourly caps
// from the environment configuration.
func New(redisClient *redis.Client, store Store, c clock.Clock, globalLimit, senderLimit int) *Limiter {
	return &Limiter{
		redis:           redisClient,
		store:           store,
		clock:           c,
		globalLimit:     globalLimit,
		senderLimit:     senderLimit,
		checkScript:     redis.NewScript(checkLuaScript),
		incrementScript: redis.NewScript(incrementLuaScript),
	}
}

// checkLuaScript atomically reads the global and (optional) sender
// counters for the current hour bucket without mutating them.
const checkLuaScript = `
local globalCount = tonumber(redis.call("GET", KEYS[1]) or "0")
local senderCount = 0
if KEYS[2] ~= "" then
	senderCount = tonumber(redis.call("GET", KEYS[2]) or "0")
end
return {globalCount, senderCount}
`

// incrementLuaScript atomically bumps the global and (optional) sender
// counters, setting a TTL only on first write to each key this hour.
const incrementLuaScript = `
local ttl = tonumber(ARGV[1])
local newGlobal = redis.call("INCR", KEYS[1])
if newGlobal == 1 then
	redis.call("EXPIRE", KEYS[1], ttl)
end
local newSender = 0
if KEYS[2] ~= "" then
	newSender = redis.call("INCR", KEYS[2])
	if newSender == 1 then
		redis.call("EXPIRE", KEYS[2], ttl)
	end
end
return {newGlobal, newSender}
`

func hourBounds(now time.Time) (start, end time.Time) {
	u := now.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	end = start.Add(time.Hour)
	return start, end
}

func fastKeys(senderID *string, hourStart time.Time) (globalKey, senderKey string) {
	stamp := hourStart.Format("2006-01-02-15")
	globalKey = fmt.Sprintf("ratelimit:email:global:%s", stamp)
	if senderID != nil && *senderID != "" {
		senderKey = fmt.Sprintf("ratelimit:email:sender:%s:%s", *senderID, stamp)
	}
	return globalKey, senderKey
}

func durableKey(senderID *string, hourStart time.Time) string {
	iso := hourStart.Format(time.RFC3339)
	if senderID != nil && *senderID != "" {
		return fmt.Sprintf("sender:%s:%s", *senderID, iso)
	}
	return fmt.Sprintf("global:%s", iso)
}

// Check evaluates the quota for an optional sender, without mutating
// counters. On Redis failure, it falls back to counting SENT messages
// for the current hour directly from the durable store.
func (l *Limiter) Check(ctx context.Context, senderID *string) (Decision, error) {
	now := l.clock.Now()
	hourStart, hourEnd := hourBounds(now)

	globalCount, senderCount, err := l.readCounts(ctx, senderID, hourStart)
	if err != nil {
		logger.Warn("ratelimit: fast path check failed, using durable fallback", "error", err.Error())
		globalCount, senderCount, err = l.fallbackCounts(ctx, senderID, hourStart, hourEnd)
		if err != nil {
			return Decision{}, domain.NewError(domain.KindQueueUnavailable, "ratelimit: check unavailable", err)
		}
	}

	remaining := clampNonNegative(l.globalLimit - globalCount)
	if senderID != nil && *senderID != "" {
		remaining = minInt(remaining, clampNonNegative(l.senderLimit-senderCount))
	}

	d := Decision{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   hourEnd,
	}
	if d.Allowed {
		d.NextSlotAt = now
	} else {
		d.NextSlotAt = hourEnd
	}
	return d, nil
}

func (l *Limiter) readCounts(ctx context.Context, senderID *string, hourStart time.Time) (global, sender int, err error) {
	globalKey, senderKey := fastKeys(senderID, hourStart)
	res, err := l.checkScript.Run(ctx, l.redis, []string{globalKey, senderKey}).Slice()
	if err != nil {
		return 0, 0, err
	}
	return int(res[0].(int64)), int(res[1].(int64)), nil
}

func (l *Limiter) fallbackCounts(ctx context.Context, senderID *string, hourStart, hourEnd time.Time) (global, sender int, err error) {
	global, err = l.store.CountSentInWindow(ctx, nil, hourStart, hourEnd)
	if err != nil {
		return 0, 0, err
	}
	if senderID != nil && *senderID != "" {
		sender, err = l.store.CountSentInWindow(ctx, senderID, hourStart, hourEnd)
		if err != nil {
			return 0, 0, err
		}
	}
	return global, sender, nil
}

// Increment monotonically bumps the global and, if senderID is given,
// the sender counter for the current hour on the fast path, then
// best-effort upserts a durable RateCounter row. A durable upsert
// failure is logged and tolerated: counter inflation is acceptable,
// under-counting a completed send is not.
func (l *Limiter) Increment(ctx context.Context, senderID *string) error {
	now := l.clock.Now()
	hourStart, hourEnd := hourBounds(now)
	ttl := int(hourEnd.Sub(now).Seconds()) + 60

	globalKey, senderKey := fastKeys(senderID, hourStart)
	res, err := l.incrementScript.Run(ctx, l.redis, []string{globalKey, senderKey}, ttl).Slice()
	if err != nil {
		return domain.NewError(domain.KindQueueUnavailable, "ratelimit: increment unavailable", err)
	}

	globalCount := int(res[0].(int64))
	if err := l.store.UpsertRateCounter(ctx, domain.RateCounter{
		Key:         durableKey(nil, hourStart),
		Count:       globalCount,
		WindowStart: hourStart,
		WindowEnd:   hourEnd,
	}); err != nil {
		logger.Warn("ratelimit: durable upsert failed for global counter", "error", err.Error())
	}

	if senderID != nil && *senderID != "" {
		senderCount := int(res[1].(int64))
		if err := l.store.UpsertRateCounter(ctx, domain.RateCounter{
			Key:         durableKey(senderID, hourStart),
			Count:       senderCount,
			WindowStart: hourStart,
			WindowEnd:   hourEnd,
		}); err != nil {
			logger.Warn("ratelimit: durable upsert failed for sender counter", "error", err.Error())
		}
	}

	return nil
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
