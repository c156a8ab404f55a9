// Package cache provides a short-TTL read cache in front of the context
// store.
//
// The cache memoizes fully assembled responses (versioned, trimmed,
// compressed) so repeated reads of an unchanged version skip the diff, trim
// and compress pipeline. It is never a source of truth: any put for a
// project invalidates its entries immediately, and losing the entire cache
// costs only latency.
package cache

import (
	"log"
	"os"
	"sync"
	"time"
)

// Key identifies one cacheable response shape. A hit requires the exact
// request parameters, not just the project and version: the same version
// trimmed to different budgets is a different response.
type Key struct {
	ProjectID    string
	Version      int64
	SinceVersion int64
	MaxTokens    int
	Compress     bool
}

// Entry is one cached response.
type Entry struct {
	Key Key

	// Payload is the assembled response body, possibly compressed.
	Payload []byte

	// Compressed reports whether Payload must be decompressed before
	// parsing.
	Compressed bool

	// Full reports whether Payload is a full record rather than a diff.
	Full bool

	// Fallback reports that the response fell back to a full payload
	// because the requested version predated retained history.
	Fallback bool

	// ExcludedKeys lists elements trimmed out of Payload by the token
	// budget.
	ExcludedKeys []string

	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time
}

// Config holds cache configuration.
type Config struct {
	// TTL is how long entries are served before expiring.
	TTL time.Duration

	// SweepInterval is how often expired entries are removed in the
	// background. Expired entries are also dropped lazily on lookup.
	SweepInterval time.Duration

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns the 5-minute TTL from the service contract.
func DefaultConfig() *Config {
	return &Config{
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
		Logger:        log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Cache is the response cache. Create with New, release with Close.
type Cache struct {
	config *Config

	mu      sync.RWMutex
	entries map[Key]*Entry

	hits   uint64
	misses uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a cache and starts its background expiry sweep.
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	c := &Cache{
		config:  config,
		entries: make(map[Key]*Entry),
		done:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}

	return c
}

// Close stops the background sweep. Idempotent.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// Lookup returns the cached entry for the key, if present and unexpired.
func (c *Cache) Lookup(key Key) (*Entry, bool) {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Before(entry.ExpiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry, true
	}

	c.mu.Lock()
	c.misses++
	if ok {
		// Expired; drop eagerly rather than waiting for the sweep.
		if cur, still := c.entries[key]; still && cur == entry {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil, false
}

// Store inserts the entry, stamping its expiry from the configured TTL.
func (c *Cache) Store(entry *Entry) {
	entry.ExpiresAt = time.Now().Add(c.config.TTL)

	c.mu.Lock()
	c.entries[entry.Key] = entry
	c.mu.Unlock()
}

// InvalidateProject removes every entry for the project. Called on each
// committed put, before the put returns, so the cache can never serve a
// response computed before the write the caller just observed.
func (c *Cache) InvalidateProject(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if key.ProjectID == projectID {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns entry count and hit-rate counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// RemoveExpired drops every expired entry and returns how many were removed.
func (c *Cache) RemoveExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}
