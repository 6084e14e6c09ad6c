package aggregator

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache holds the most recent matrix for readers outside the polling loop.
type Cache struct {
	mu     sync.RWMutex
	matrix Matrix
	set    bool
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Store replaces the cached matrix.
func (c *Cache) Store(m Matrix) {
	c.mu.Lock()
	c.matrix = m
	c.set = true
	c.mu.Unlock()
}

// Latest returns the cached matrix and whether one has been stored.
func (c *Cache) Latest() (Matrix, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matrix, c.set
}

// Fresh reports whether the cached matrix is younger than maxAge at now.
func (c *Cache) Fresh(now time.Time, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set && now.Sub(c.matrix.FetchedAt) < maxAge
}

// Rate returns a cached cell together with the matrix fetch time.
func (c *Cache) Rate(venue, sym string) (decimal.Decimal, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return decimal.Decimal{}, time.Time{}, false
	}
	v, ok := c.matrix.Rate(venue, sym)
	return v, c.matrix.FetchedAt, ok
}
