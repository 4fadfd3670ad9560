// Package redislimiter shares the unknown-kid refresh budget across every
// process that points at the same Redis.
package redislimiter

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/redis/go-redis/v9"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultLimit applies to buckets without an explicit or "default" entry.
var DefaultLimit = Limit{Limit: 6, Window: time.Minute}

const (
	keyPrefix = "tokenkit:ratelimit:"
	opTimeout = 500 * time.Millisecond
)

// Limiter is a Redis-backed sliding window limiter using ZSETs.
type Limiter struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	limits map[string]Limit
	seq    atomic.Uint64
}

// New wraps an existing client. A nil clk uses the wall clock.
func New(rdb redis.UniversalClient, limits map[string]Limit, clk clock.Clock) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Limiter{rdb: rdb, clock: clk, limits: limits}
}

// NewFromURL connects using a redis:// or rediss:// URL.
func NewFromURL(url string, limits map[string]Limit) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redislimiter: parse url: %w", err)
	}
	return New(redis.NewClient(opts), limits, nil), nil
}

// Close releases the underlying client.
func (l *Limiter) Close() error {
	if l == nil || l.rdb == nil {
		return nil
	}
	return l.rdb.Close()
}

func (l *Limiter) get(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return DefaultLimit
}

// AllowNamed records an attempt for key in bucket and reports whether it is
// within the bucket's limit. Redis errors are returned with ok=false; the
// caller decides whether to fail open.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	lim := l.get(bucket)
	now := l.clock.Now().UnixMilli()
	start := now - lim.Window.Milliseconds()
	limitKey := keyPrefix + bucket + ":" + key
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, limitKey, "-inf", strconv.FormatInt(start, 10))
	pipe.ZAdd(ctx, limitKey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, limitKey)
	pipe.PExpire(ctx, limitKey, lim.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	count, err := countCmd.Result()
	if err != nil {
		return false, err
	}
	if count > int64(lim.Limit) {
		l.rdb.ZRem(ctx, limitKey, member)
		return false, nil
	}
	return true, nil
}
