// Package cache keeps rendered API replies for a per-category TTL and
// collapses concurrent identical requests into a single upstream call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultMaxEntries = 1000

// Value is what a cached dispatch produced.
type Value struct {
	Text string
	Data map[string]any
}

type Options struct {
	MaxEntries int
	Now        func() time.Time
}

type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	val        Value
	computedAt time.Time
	expiresAt  time.Time
}

type Cache struct {
	max   int
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	stats   Stats
}

func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{max: opts.MaxEntries, now: opts.Now, entries: make(map[string]entry)}
}

// Key identifies a call by api id, the descriptor revision it was made with
// and its canonicalized parameters. A compute still running against an older
// revision stores under a key the new revision never reads.
func Key(apiID string, rev time.Time, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	pairs := make([][2]string, len(names))
	for i, k := range names {
		pairs[i] = [2]string{k, params[k]}
	}
	b, _ := json.Marshal(pairs)
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(rev.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write(b)
	sum := h.Sum(nil)
	return apiID + ":" + hex.EncodeToString(sum[:])
}

// Get returns a fresh entry. Expired entries are removed on access.
func (c *Cache) Get(key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lookup(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return v, ok
}

// lookup must be called with c.mu held.
func (c *Cache) lookup(key string) (Value, bool) {
	e, ok := c.entries[key]
	if !ok {
		return Value{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return Value{}, false
	}
	return e.val, true
}

// Put stores v for ttl. A non-positive ttl stores nothing.
func (c *Cache) Put(key string, v Value, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = entry{val: v, computedAt: now, expiresAt: now.Add(ttl)}
	if len(c.entries) > c.max {
		c.evict(now)
	}
}

// evict drops expired entries, then the oldest, until the cache fits.
// Must hold c.mu.
func (c *Cache) evict(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
	over := len(c.entries) - c.max
	if over <= 0 {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].computedAt.Before(c.entries[keys[j]].computedAt)
	})
	for _, k := range keys[:over] {
		delete(c.entries, k)
		c.stats.Evictions++
	}
}

// Purge drops every entry of one api, after its descriptor changed.
func (c *Cache) Purge(apiID string) int {
	prefix := apiID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Do returns the fresh entry for key or runs compute once for all
// concurrent callers of the same key. cached is false only for the caller
// whose compute produced the value.
//
// compute runs on a context that keeps ctx's values but not its
// cancellation: a caller that gives up gets ctx.Err() while the call
// completes for the remaining waiters. Errors are shared with the waiters
// and never stored.
func (c *Cache) Do(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (Value, error)) (Value, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	computed := false
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		v, ok := c.lookup(key)
		c.mu.Unlock()
		if ok {
			return v, nil
		}
		computed = true
		v, err := compute(detached)
		if err != nil {
			return Value{}, err
		}
		c.Put(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return Value{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Value{}, false, res.Err
		}
		return res.Val.(Value), !computed, nil
	}
}

// Sweep removes expired entries and reports how many it removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Evictions += uint64(n)
	return n
}

// Janitor sweeps expired entries every interval until ctx is done.
func (c *Cache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("cache sweep", "removed", n)
			}
		}
	}
}
