// Package keycache keeps the issuer's public signing keys in memory and
// refreshes them from a key document endpoint.
//
// Lookups are served lock-free from an immutable KeySet snapshot. When the
// snapshot is stale, or does not contain the requested key id, exactly one
// refresh runs at a time and every concurrent caller waits on it. If the
// refresh fails, keys from the previous snapshot are still served for a
// bounded grace period after it expired.
package keycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrKeyNotFound means the key id is absent from a successfully fetched set.
	ErrKeyNotFound = errors.New("keycache: key not found")
	// ErrFetch means the key document could not be fetched or parsed and no
	// usable stale key was available.
	ErrFetch = errors.New("keycache: key fetch failed")

	errNoRefresh = errors.New("keycache: refresh suppressed")
)

const (
	DefaultGracePeriod        = 15 * time.Minute
	DefaultMinMaxAge          = time.Minute
	DefaultMaxMaxAge          = 24 * time.Hour
	DefaultMinRefreshInterval = 30 * time.Second

	// LimiterBucket names the rate-limit bucket for unknown-kid refreshes.
	LimiterBucket = "keycache_refresh"
)

// Limiter gates refreshes triggered by unknown key ids. The memory and redis
// limiters in ratelimit/ satisfy it.
type Limiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// Options tunes a Cache. The zero value is usable.
type Options struct {
	// GracePeriod is how long after expiry a stale key may still be served
	// when a refresh fails. Zero selects DefaultGracePeriod; negative
	// disables the fallback.
	GracePeriod time.Duration
	// MinMaxAge and MaxMaxAge clamp the lifetime announced by the endpoint.
	MinMaxAge time.Duration
	MaxMaxAge time.Duration
	// MinRefreshInterval is the minimum age of a fresh set before an unknown
	// key id may trigger another fetch. Negative disables the check.
	MinRefreshInterval time.Duration
	Limiter            Limiter
	Clock              clock.Clock
	Logger             logrus.FieldLogger
	Metrics            *Metrics
}

func (o Options) defaulted() Options {
	if o.GracePeriod == 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.MinMaxAge <= 0 {
		o.MinMaxAge = DefaultMinMaxAge
	}
	if o.MaxMaxAge <= 0 {
		o.MaxMaxAge = DefaultMaxMaxAge
	}
	if o.MaxMaxAge < o.MinMaxAge {
		o.MaxMaxAge = o.MinMaxAge
	}
	if o.MinRefreshInterval == 0 {
		o.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// refreshCall is the in-flight refresh every concurrent caller waits on.
// set and err are written once, before done is closed.
type refreshCall struct {
	done chan struct{}
	set  *KeySet
	err  error
}

// Cache resolves key ids to public keys for one key document URL.
type Cache struct {
	url     string
	fetcher Fetcher
	opts    Options
	log     logrus.FieldLogger

	current atomic.Pointer[KeySet]

	mu       sync.Mutex
	inflight *refreshCall
}

// New creates an empty cache. Nothing is fetched until the first Get or Refresh.
func New(url string, fetcher Fetcher, opts Options) *Cache {
	opts = opts.defaulted()
	return &Cache{
		url:     url,
		fetcher: fetcher,
		opts:    opts,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "keycache", "source": url}),
	}
}

// URL returns the key document URL.
func (c *Cache) URL() string { return c.url }

// Snapshot returns the current key set, or nil before the first fetch.
func (c *Cache) Snapshot() *KeySet { return c.current.Load() }

// Get returns the key with the given id, refreshing the set when it is
// stale or does not contain kid.
//
// A cancelled ctx abandons the wait with an error wrapping ErrFetch; the
// shared refresh keeps running for the other callers.
func (c *Cache) Get(ctx context.Context, kid string) (*SigningKey, error) {
	for {
		now := c.opts.Clock.Now()
		seen := c.current.Load()
		if seen.Fresh(now) {
			if key, ok := seen.Lookup(kid); ok {
				c.opts.Metrics.lookup(c.url, lookupHit)
				return key, nil
			}
		}

		call, retry, err := c.begin(ctx, seen, now, false)
		if retry {
			continue
		}
		if errors.Is(err, errNoRefresh) {
			c.opts.Metrics.lookup(c.url, lookupNotFound)
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
		return c.await(ctx, call, kid)
	}
}

// Refresh fetches the key document now, or joins a refresh already running.
func (c *Cache) Refresh(ctx context.Context) error {
	call, _, _ := c.begin(ctx, nil, c.opts.Clock.Now(), true)
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	}
}

// begin joins the running refresh or starts one. retry is set when another
// caller replaced the set the caller looked at; it should look again.
func (c *Cache) begin(ctx context.Context, seen *KeySet, now time.Time, force bool) (call *refreshCall, retry bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != nil {
		return c.inflight, false, nil
	}
	if !force {
		if c.current.Load() != seen {
			return nil, true, nil
		}
		if seen.Fresh(now) && !c.allowMissRefresh(seen, now) {
			return nil, false, errNoRefresh
		}
	}

	call = &refreshCall{done: make(chan struct{})}
	c.inflight = call
	go c.refresh(context.WithoutCancel(ctx), call)
	return call, false, nil
}

// allowMissRefresh decides whether an unknown kid on a fresh set may trigger
// a fetch. Called with c.mu held.
func (c *Cache) allowMissRefresh(seen *KeySet, now time.Time) bool {
	if c.opts.MinRefreshInterval > 0 && now.Sub(seen.FetchedAt) < c.opts.MinRefreshInterval {
		return false
	}
	if c.opts.Limiter == nil {
		return true
	}
	ok, err := c.opts.Limiter.AllowNamed(LimiterBucket, c.url)
	if err != nil {
		c.log.WithError(err).Warn("refresh limiter unavailable; allowing refresh")
		return true
	}
	return ok
}

func (c *Cache) refresh(ctx context.Context, call *refreshCall) {
	set, err := c.load(ctx)

	c.mu.Lock()
	if err == nil {
		c.current.Store(set)
	}
	c.inflight = nil
	c.mu.Unlock()

	call.set, call.err = set, err
	close(call.done)
}

func (c *Cache) load(ctx context.Context) (*KeySet, error) {
	res, err := c.fetcher.Fetch(ctx, c.url)
	if err != nil {
		c.opts.Metrics.fetch(c.url, fetchError)
		c.log.WithError(err).Warn("key document fetch failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, c.url, err)
	}
	now := c.opts.Clock.Now()
	keys, skipped, err := ParseKeySet(res.Body, now)
	if len(skipped) > 0 {
		c.log.WithField("kids", skipped).Warn("skipped unusable keys in key document")
	}
	if err != nil {
		c.opts.Metrics.fetch(c.url, fetchError)
		c.log.WithError(err).Warn("key document rejected")
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, c.url, err)
	}
	set := &KeySet{
		Keys:      keys,
		Source:    c.url,
		FetchedAt: now,
		ExpiresAt: now.Add(c.lifetime(res.MaxAge)),
	}
	c.opts.Metrics.fetch(c.url, fetchOK)
	c.log.WithFields(logrus.Fields{
		"keys":       len(keys),
		"expires_at": set.ExpiresAt,
	}).Debug("key set refreshed")
	return set, nil
}

func (c *Cache) lifetime(maxAge time.Duration) time.Duration {
	switch {
	case maxAge < c.opts.MinMaxAge:
		return c.opts.MinMaxAge
	case maxAge > c.opts.MaxMaxAge:
		return c.opts.MaxMaxAge
	default:
		return maxAge
	}
}

func (c *Cache) await(ctx context.Context, call *refreshCall, kid string) (*SigningKey, error) {
	select {
	case <-call.done:
	case <-ctx.Done():
		c.opts.Metrics.lookup(c.url, lookupError)
		return nil, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	}

	if call.err == nil {
		if key, ok := call.set.Lookup(kid); ok {
			c.opts.Metrics.lookup(c.url, lookupRefreshed)
			return key, nil
		}
		c.opts.Metrics.lookup(c.url, lookupNotFound)
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}

	if key, ok := c.stale(kid); ok {
		return key, nil
	}
	c.opts.Metrics.lookup(c.url, lookupError)
	return nil, call.err
}

// stale serves kid from the last good set while it is inside the grace window.
func (c *Cache) stale(kid string) (*SigningKey, bool) {
	if c.opts.GracePeriod < 0 {
		return nil, false
	}
	set := c.current.Load()
	key, ok := set.Lookup(kid)
	if !ok {
		return nil, false
	}
	now := c.opts.Clock.Now()
	if !now.Before(set.ExpiresAt.Add(c.opts.GracePeriod)) {
		return nil, false
	}
	c.opts.Metrics.lookup(c.url, lookupStale)
	c.opts.Metrics.staleServed(c.url)
	c.log.WithFields(logrus.Fields{
		"kid":         kid,
		"expired_for": now.Sub(set.ExpiresAt).String(),
	}).Warn("serving stale signing key after failed refresh")
	return key, true
}
