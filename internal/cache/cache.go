// ABOUTME: Single-entry cache for the most recent completed scan result.
// ABOUTME: Uses TTL-based expiration so repeated requests do not trigger redundant rescans.

package cache

import (
	"sync"
	"time"

	"github.com/jfeddern/KubeScan/internal/types"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// DefaultTTL is how long a completed result is served without rescanning
const DefaultTTL = 300 * time.Second

// CacheEntry is a completed result and the time it was cached
type CacheEntry struct {
	Result     *types.ScanResult
	CapturedAt time.Time
}

// ResultCache holds at most one scan result and expires it after the TTL
type ResultCache struct {
	entry  *CacheEntry
	mutex  sync.RWMutex
	ttl    time.Duration
	clock  clock.PassiveClock
	logger *logrus.Logger
}

// NewResultCache creates an empty cache. A non-positive ttl uses DefaultTTL and a nil clock the real one.
func NewResultCache(ttl time.Duration, clk clock.PassiveClock, logger *logrus.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ResultCache{
		ttl:    ttl,
		clock:  clk,
		logger: logger,
	}
}

// Get returns the cached result while it is younger than the TTL
func (c *ResultCache) Get() (*types.ScanResult, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.entry == nil {
		return nil, false
	}

	age := c.clock.Since(c.entry.CapturedAt)
	if age > c.ttl {
		// Stale entries stay in place until the next Put
		return nil, false
	}

	c.logger.WithFields(logrus.Fields{
		"scan_id": c.entry.Result.ScanID,
		"age":     age,
	}).Debug("Cache hit")
	return c.entry.Result, true
}

// Put replaces the cached entry
func (c *ResultCache) Put(result *types.ScanResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entry = &CacheEntry{
		Result:     result,
		CapturedAt: c.clock.Now(),
	}

	c.logger.WithField("scan_id", result.ScanID).Debug("Cached scan result")
}

// Peek returns the cached result regardless of age
func (c *ResultCache) Peek() (*CacheEntry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.entry == nil {
		return nil, false
	}
	entry := *c.entry
	return &entry, true
}

// Stats reports whether an entry exists and how old it is
func (c *ResultCache) Stats() (present bool, age time.Duration) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.entry == nil {
		return false, 0
	}
	return true, c.clock.Since(c.entry.CapturedAt)
}

// TTL returns the maximum age at which a result is served
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}
