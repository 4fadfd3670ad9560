// Package memorylimiter bounds how often a single process may refetch a key
// document because of unknown key ids.
package memorylimiter

import (
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultLimit applies to buckets without an explicit or "default" entry.
var DefaultLimit = Limit{Limit: 6, Window: time.Minute}

type bucketState struct {
	// hits holds allowed request times, oldest first.
	hits []time.Time
}

// Limiter is an in-memory sliding-window rate limiter.
type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*bucketState
}

// New constructs a limiter with per-bucket limits. A nil clk uses the wall clock.
func New(limits map[string]Limit, clk clock.Clock) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Limiter{
		clock:   clk,
		limits:  limits,
		buckets: make(map[string]*bucketState),
	}
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
// within the bucket's limit. Denied attempts are not recorded.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}

	lim := l.get(bucket)
	now := l.clock.Now()
	windowStart := now.Add(-lim.Window)
	limitKey := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[limitKey]
	if !ok {
		b = &bucketState{}
		l.buckets[limitKey] = b
	}

	hits := b.hits
	i := 0
	for i < len(hits) && !hits[i].After(windowStart) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= lim.Limit {
		b.hits = hits
		return false, nil
	}
	b.hits = append(hits, now)
	return true, nil
}
