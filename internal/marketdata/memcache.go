package marketdata

import (
	"sync"
	"time"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// memCache holds recently fetched series per symbol. Entries older than the
// TTL are ignored; the chain then goes to the live sources.
type memCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]memEntry

	now func() time.Time
}

type memEntry struct {
	series    *models.BarSeries
	fetchedAt time.Time
}

func newMemCache(ttl time.Duration) *memCache {
	return &memCache{
		ttl: ttl,
		m:   make(map[string]memEntry),
		now: time.Now,
	}
}

// get returns the cached series and its age when present and within TTL.
func (c *memCache) get(symbol string) (*models.BarSeries, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.m[symbol]
	if !ok {
		return nil, 0, false
	}
	age := c.now().Sub(e.fetchedAt)
	if age >= c.ttl {
		return nil, 0, false
	}
	return e.series, age, true
}

func (c *memCache) put(symbol string, series *models.BarSeries) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol] = memEntry{series: series, fetchedAt: c.now()}
}
