package feed

import (
	"math"
	"sync"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
)

var nan = math.NaN()

type cacheKey struct {
	site  string
	stamp string // yymmdd
}

// dayCache memoizes fetch results per (site, date) for the lifetime of
// the process. It is size-capped: when full, the oldest entry is
// evicted. Entries for the current day additionally expire after a TTL
// because today's document grows minute by minute. The cache carries no
// correctness obligation; it only avoids redundant downloads within a
// single run.
type dayCache struct {
	mu       sync.Mutex
	max      int
	todayTTL time.Duration
	entries  map[cacheKey]*cacheEntry
}

type cacheEntry struct {
	readings []solar.Reading
	storedAt time.Time
}

func newDayCache(max int, todayTTL time.Duration) *dayCache {
	return &dayCache{
		max:      max,
		todayTTL: todayTTL,
		entries:  make(map[cacheKey]*cacheEntry, max),
	}
}

func (c *dayCache) get(k cacheKey, isToday bool) ([]solar.Reading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if isToday && time.Since(e.storedAt) > c.todayTTL {
		delete(c.entries, k)
		return nil, false
	}
	return e.readings, true
}

func (c *dayCache) put(k cacheKey, readings []solar.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[k] = &cacheEntry{readings: readings, storedAt: time.Now()}
}

func (c *dayCache) evictOldestLocked() {
	var oldest cacheKey
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldest, oldestAt, first = k, e.storedAt, false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}
