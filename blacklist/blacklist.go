// Package blacklist tracks failed login attempts per client IP address and
// decides which addresses are currently denied.
//
// Entries decay lazily: an entry whose last failure is older than the TTL is
// invisible to every read, whether or not it has been physically reclaimed.
// Sweep only frees memory; it never changes what readers observe.
package blacklist

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultThreshold is the number of failures that blacklists an IP.
	DefaultThreshold = 5
	// DefaultTTL is how long an entry lives after its most recent failure.
	DefaultTTL = 1 * time.Hour

	// lockStripes is the number of per-key mutexes. Read-modify-write
	// sequences for one IP serialize on its stripe; unrelated IPs rarely
	// share one.
	lockStripes = 64
)

// Entry is the failure record for one IP.
type Entry struct {
	Count     uint      `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Cache is the IP blacklist. The zero value is not usable; call New.
type Cache struct {
	threshold uint
	ttl       time.Duration
	clock     clockwork.Clock

	// mu guards the entries map itself and is only held for single map
	// operations. Per-IP read-modify-write is serialized by stripes.
	mu      sync.RWMutex
	entries map[string]Entry

	stripes [lockStripes]sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithThreshold sets the failure count at which an IP is blacklisted.
// A threshold of 0 blacklists on the first failure.
func WithThreshold(n uint) Option {
	return func(c *Cache) {
		c.threshold = n
	}
}

// WithTTL sets the entry lifetime measured from the last failure.
// A TTL of 0 disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// New creates an empty blacklist cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		threshold: DefaultThreshold,
		ttl:       DefaultTTL,
		clock:     clockwork.NewRealClock(),
		entries:   make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the configured blacklist threshold.
func (c *Cache) Threshold() uint {
	return c.threshold
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// RecordFailure increments the failure count for ip and refreshes its
// timestamp. An empty ip is ignored.
func (c *Cache) RecordFailure(ip string) {
	if ip == "" {
		return
	}
	stripe := c.stripe(ip)
	stripe.Lock()
	defer stripe.Unlock()

	c.incrementLocked(ip, 1)
}

// Add forces ip over the threshold in one step, as if RecordFailure had been
// called until the threshold was met. At least one failure is always
// recorded so the entry's TTL is refreshed.
func (c *Cache) Add(ip string) {
	if ip == "" {
		return
	}
	stripe := c.stripe(ip)
	stripe.Lock()
	defer stripe.Unlock()

	current, _ := c.live(ip)
	var n uint = 1
	if c.threshold > current.Count+1 {
		n = c.threshold - current.Count
	}
	c.incrementLocked(ip, n)
}

// IsBlacklisted reports whether ip has a live entry at or above the
// threshold. It never touches the entry, so checking does not extend the TTL.
func (c *Cache) IsBlacklisted(ip string) bool {
	if ip == "" {
		return false
	}
	entry, ok := c.live(ip)
	if !ok {
		return false
	}
	return entry.Count >= c.threshold
}

// Remove deletes the entry for ip unconditionally.
func (c *Cache) Remove(ip string) {
	if ip == "" {
		return
	}
	stripe := c.stripe(ip)
	stripe.Lock()
	defer stripe.Unlock()

	c.mu.Lock()
	delete(c.entries, ip)
	c.mu.Unlock()
}

// Entries returns a snapshot of every live entry, including those still
// below the threshold.
func (c *Cache) Entries() map[string]Entry {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for ip, entry := range c.entries {
		if c.expired(entry, now) {
			continue
		}
		out[ip] = entry
	}
	return out
}

// Sweep reclaims expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ip, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, ip)
			removed++
		}
	}
	return removed
}

// incrementLocked adds n failures to ip. The caller holds ip's stripe.
func (c *Cache) incrementLocked(ip string, n uint) {
	current, _ := c.live(ip)
	next := Entry{
		Count:     current.Count + n,
		Timestamp: c.clock.Now(),
	}
	c.mu.Lock()
	c.entries[ip] = next
	c.mu.Unlock()
}

// live returns the entry for ip if it exists and has not expired.
func (c *Cache) live(ip string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[ip]
	c.mu.RUnlock()
	if !ok || c.expired(entry, c.clock.Now()) {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) expired(entry Entry, now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	return now.Sub(entry.Timestamp) >= c.ttl
}

func (c *Cache) stripe(ip string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return &c.stripes[h.Sum32()%lockStripes]
}
