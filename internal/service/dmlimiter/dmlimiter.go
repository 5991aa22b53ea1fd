// Package dmlimiter implements the per-account direct-message pacing
// guard (spec §4.7): a sliding hourly window with a deterministic
// per-account baseline cap, backed by a soft-block cooldown once that
// baseline is hit within the hour.
package dmlimiter

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const window = time.Hour

// dmPacingScript atomically checks the account's cooldown, prunes the
// sliding window, and either admits the send (recording it) or trips a
// cooldown once the window is full. KEYS[1]=window zset, KEYS[2]=cooldown
// key. ARGV: now(s), window(s), cap, cooldown(s), member.
const dmPacingScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  local ttl = redis.call("TTL", KEYS[2])
  return {0, ttl}
end

redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, tonumber(ARGV[1]) - tonumber(ARGV[2]))
local count = redis.call("ZCARD", KEYS[1])

if count >= tonumber(ARGV[3]) then
  redis.call("SET", KEYS[2], 1, "EX", tonumber(ARGV[4]))
  return {0, tonumber(ARGV[4])}
end

redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return {1, 0}
`

// Limiter enforces the per-account DM pacing guard. Every account gets
// its own deterministic hourly cap and cooldown window, derived from a
// hash of the account name so behavior is stable across restarts
// without a dedicated config row per account.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script

	minPerHour, maxPerHour   int
	cooldownMin, cooldownMax time.Duration
}

// New constructs a Limiter. minPerHour/maxPerHour bound the deterministic
// per-account hourly cap; cooldownMin/cooldownMax bound the soft-block
// duration applied once an account exhausts its cap.
func New(rdb *redis.Client, minPerHour, maxPerHour int, cooldownMin, cooldownMax time.Duration) *Limiter {
	return &Limiter{
		redis:       rdb,
		script:      redis.NewScript(dmPacingScript),
		minPerHour:  minPerHour,
		maxPerHour:  maxPerHour,
		cooldownMin: cooldownMin,
		cooldownMax: cooldownMax,
	}
}

// baselineFor derives account's deterministic per-hour send cap.
func (l *Limiter) baselineFor(account string) int {
	if l.maxPerHour <= l.minPerHour {
		return l.minPerHour
	}
	spread := l.maxPerHour - l.minPerHour
	return l.minPerHour + int(seed(account)%uint32(spread+1))
}

// cooldownFor derives account's deterministic soft-block duration.
func (l *Limiter) cooldownFor(account string) time.Duration {
	if l.cooldownMax <= l.cooldownMin {
		return l.cooldownMin
	}
	spread := int64(l.cooldownMax - l.cooldownMin)
	return l.cooldownMin + time.Duration(int64(seed("cooldown:"+account))%spread)
}

func seed(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Allow reports whether account may send another direct message now. On
// success it reserves a slot in the sliding window; once the window
// fills, a deterministic cooldown blocks further sends until it expires.
// Entries leave the window only once they are an hour old, so a call
// after the cooldown that still finds the window full trips a new
// cooldown.
func (l *Limiter) Allow(ctx context.Context, account string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	now := time.Now()
	member := ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String()

	res, err := l.script.Run(ctx, l.redis,
		[]string{"dm:window:" + account, "dm:cooldown:" + account},
		now.Unix(), int64(window.Seconds()), l.baselineFor(account), int64(l.cooldownFor(account).Seconds()), member,
	).Result()
	if err != nil {
		slog.Error("dm pacing script error", slog.String("account", account), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return true, 0, nil
	}
	return toInt64(vals[0]) == 1, time.Duration(toInt64(vals[1])) * time.Second, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
