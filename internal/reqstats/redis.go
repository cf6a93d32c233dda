package reqstats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ddosguard:reqstats:"

// observeScript records one request and returns
// {count, last duration or "", ua lengths...}.
var observeScript = redis.NewScript(`
	local hits = KEYS[1]
	local uas = KEYS[2]
	local dur = KEYS[3]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local ua_len = ARGV[3]
	local history = tonumber(ARGV[4])
	local ttl_ms = tonumber(ARGV[5])

	redis.call('ZREMRANGEBYSCORE', hits, '-inf', window_start)
	redis.call('ZADD', hits, now, now .. ':' .. redis.call('INCR', hits .. ':seq'))
	redis.call('PEXPIRE', hits, ttl_ms)
	redis.call('PEXPIRE', hits .. ':seq', ttl_ms)
	local count = redis.call('ZCARD', hits)

	redis.call('RPUSH', uas, ua_len)
	redis.call('LTRIM', uas, -history, -1)
	redis.call('PEXPIRE', uas, ttl_ms)

	local last = redis.call('GET', dur) or ''
	local out = {count, last}
	for _, v in ipairs(redis.call('LRANGE', uas, 0, -1)) do
		table.insert(out, v)
	end
	return out
`)

// RedisTracker is a Tracker shared between server instances through Redis.
// When Redis fails it answers from a local MemoryTracker.
type RedisTracker struct {
	rdb      redis.UniversalClient
	fallback *MemoryTracker
	logger   *zap.Logger
}

// NewRedisTracker creates a RedisTracker.
func NewRedisTracker(rdb redis.UniversalClient, fallback *MemoryTracker, logger *zap.Logger) *RedisTracker {
	return &RedisTracker{rdb: rdb, fallback: fallback, logger: logger}
}

func keys(ip string) []string {
	base := keyPrefix + ip
	return []string{base + ":hits", base + ":ua", base + ":dur"}
}

// Observe implements Tracker.
func (t *RedisTracker) Observe(ctx context.Context, ip, ua string, now time.Time) (Stats, error) {
	res, err := observeScript.Run(ctx, t.rdb, keys(ip),
		float64(now.UnixMicro())/1e6,
		float64(now.Add(-Window).UnixMicro())/1e6,
		len(ua),
		UAHistory,
		(Window + time.Second).Milliseconds(),
	).Slice()
	if err == nil {
		var st Stats
		if st, err = parseObserve(res); err == nil {
			// Mirrored locally so an outage keeps recent history.
			_, _ = t.fallback.Observe(ctx, ip, ua, now)
			return st, nil
		}
	}

	t.logger.Warn("redis request stats unavailable, using local history", zap.String("ip", ip), zap.Error(err))
	return t.fallback.Observe(ctx, ip, ua, now)
}

func parseObserve(res []interface{}) (Stats, error) {
	if len(res) < 2 {
		return Stats{}, fmt.Errorf("reqstats: short script reply (%d values)", len(res))
	}
	count, ok := res[0].(int64)
	if !ok {
		return Stats{}, fmt.Errorf("reqstats: unexpected count %T", res[0])
	}
	st := Stats{ReqRate1Min: int(count), PrevDuration: DefaultDuration}

	if s, _ := res[1].(string); s != "" {
		d, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("reqstats: bad duration %q: %w", s, err)
		}
		st.PrevDuration = d
	}

	lens := make([]int, 0, len(res)-2)
	for _, v := range res[2:] {
		s, _ := v.(string)
		n, err := strconv.Atoi(s)
		if err != nil {
			return Stats{}, fmt.Errorf("reqstats: bad ua length %v: %w", v, err)
		}
		lens = append(lens, n)
	}
	st.UAVariance = uaVariance(lens)
	return st, nil
}

// Complete implements Tracker.
func (t *RedisTracker) Complete(ctx context.Context, ip string, dur time.Duration) error {
	_ = t.fallback.Complete(ctx, ip, dur)
	v := strconv.FormatFloat(dur.Seconds(), 'f', -1, 64)
	if err := t.rdb.Set(ctx, keys(ip)[2], v, Window+time.Second).Err(); err != nil {
		return fmt.Errorf("reqstats: store duration: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
