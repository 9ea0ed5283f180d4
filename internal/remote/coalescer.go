package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Coalescer wraps remote calls with, in fixed order: a TTL result cache,
// single-flight deduplication, per-peer minimum spacing, and a global
// backoff window fed by flood-wait signals. A cache hit never pays the
// throttle cost.
type Coalescer struct {
	logger *zap.Logger

	peerInterval time.Duration
	floodMargin  time.Duration

	flight singleflight.Group

	mu            sync.Mutex
	cache         map[string]cacheEntry
	lastPeerCall  map[string]time.Time
	cooldownUntil time.Time
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// NewCoalescer creates a coalescer. peerInterval is the minimum spacing
// between calls addressed to the same peer key.
func NewCoalescer(peerInterval time.Duration, logger *zap.Logger) *Coalescer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		logger:       logger,
		peerInterval: peerInterval,
		floodMargin:  500 * time.Millisecond,
		cache:        make(map[string]cacheEntry),
		lastPeerCall: make(map[string]time.Time),
	}
}

// Cached runs fn through the coalescer. key identifies the call for the
// cache and single-flight slot; peerKey identifies the remote peer for
// throttling (empty = unthrottled). Errors are propagated to every
// coalesced waiter and never cached.
func Cached[T any](ctx context.Context, c *Coalescer, key, peerKey string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, err := c.do(ctx, key, peerKey, ttl, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops a cached result.
func (c *Coalescer) Invalidate(key string) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}

// CooldownUntil returns the end of the current global backoff window.
func (c *Coalescer) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownUntil
}

func (c *Coalescer) do(ctx context.Context, key, peerKey string, ttl time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := c.cacheGet(key); ok {
		return v, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight slot: a racing caller may have
		// populated the cache while we waited for the slot.
		if v, ok := c.cacheGet(key); ok {
			return v, nil
		}
		if err := c.pace(ctx, peerKey); err != nil {
			return nil, err
		}
		v, err := fn(ctx)
		if err != nil {
			if fw, ok := AsFloodWait(err); ok {
				c.noteFloodWait(fw.Wait)
			}
			return nil, err
		}
		if ttl > 0 {
			c.cachePut(key, v, ttl)
		}
		return v, nil
	})
	return v, err
}

func (c *Coalescer) cacheGet(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.cache, key)
		return nil, false
	}
	return e.value, true
}

func (c *Coalescer) cachePut(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	c.cache[key] = cacheEntry{value: v, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// pace delays (never fails, short of ctx cancellation) until both the
// per-peer spacing and the global backoff window allow a call, then
// claims the peer slot.
func (c *Coalescer) pace(ctx context.Context, peerKey string) error {
	for {
		c.mu.Lock()
		now := time.Now()
		wakeAt := c.cooldownUntil
		if peerKey != "" {
			if next := c.lastPeerCall[peerKey].Add(c.peerInterval); next.After(wakeAt) {
				wakeAt = next
			}
		}
		if !wakeAt.After(now) {
			if peerKey != "" {
				c.lastPeerCall[peerKey] = now
			}
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (c *Coalescer) noteFloodWait(wait time.Duration) {
	c.mu.Lock()
	until := time.Now().Add(wait + c.floodMargin)
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	c.mu.Unlock()
	c.logger.Warn("flood wait signaled, backing off", zap.Duration("wait", wait))
}
