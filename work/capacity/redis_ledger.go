package capacity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript drops expired leases, then adds the token only while the holder count is
// below the limit. Redis runs the whole script atomically.
//
// KEYS[1] = holder zset, ARGV = max, token, now (ms), lease expiry (ms)
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
	return 1
end
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
	return 1
end
return 0
`)

// RedisLedger shares slot accounting between broker processes. Each credential is a sorted
// set of session tokens scored by lease expiry, so slots held by a process that died are
// dropped once their lease runs out.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLedger wraps a connected client
func NewRedisLedger(rdb redis.UniversalClient, now func() time.Time) *RedisLedger {
	if now == nil {
		now = time.Now
	}
	return &RedisLedger{rdb: rdb, prefix: "kptv:capacity:", now: now}
}

// NewRedisLedgerFromURL parses a redis:// URL, connects and pings
func NewRedisLedgerFromURL(ctx context.Context, rawURL string, now func() time.Time) (*RedisLedger, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisLedger(rdb, now), nil
}

// Close closes the underlying client
func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}

func (l *RedisLedger) key(credentialID int64) string {
	return l.prefix + strconv.FormatInt(credentialID, 10)
}

// Reserve implements Ledger
func (l *RedisLedger) Reserve(ctx context.Context, credentialID int64, max int, token string, leaseUntil time.Time) (bool, error) {
	n, err := reserveScript.Run(ctx, l.rdb, []string{l.key(credentialID)},
		max, token, l.now().UnixMilli(), leaseUntil.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return n == 1, nil
}

// Renew implements Ledger
func (l *RedisLedger) Renew(ctx context.Context, credentialID int64, token string, leaseUntil time.Time) error {
	err := l.rdb.ZAddXX(ctx, l.key(credentialID), redis.Z{Score: float64(leaseUntil.UnixMilli()), Member: token}).Err()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	return nil
}

// Release implements Ledger
func (l *RedisLedger) Release(ctx context.Context, credentialID int64, token string) (bool, error) {
	n, err := l.rdb.ZRem(ctx, l.key(credentialID), token).Result()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	return n == 1, nil
}

// Count implements Ledger; expired leases are not counted
func (l *RedisLedger) Count(ctx context.Context, credentialID int64) (int, error) {
	from := "(" + strconv.FormatInt(l.now().UnixMilli(), 10)
	n, err := l.rdb.ZCount(ctx, l.key(credentialID), from, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return int(n), nil
}
