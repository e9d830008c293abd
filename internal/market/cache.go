// Package market caches Instrument Snapshots and ranks tradable symbols
// for the Strategy Engine. It holds no order or position state — only
// read-mostly market data refreshed each control tick.
package market

import (
	"sync"
	"time"

	"fundingarb/pkg/types"
)

// Cache mirrors the most recent Instrument Snapshot per symbol. It is
// concurrency-safe and exposes staleness through IsStale; Get and All
// return snapshots whatever their age.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]types.InstrumentSnapshot
}

// NewCache creates an empty snapshot cache.
func NewCache() *Cache {
	return &Cache{snapshots: make(map[string]types.InstrumentSnapshot)}
}

// Put stores the latest snapshot for its symbol, overwriting any prior
// value. Snapshots are produced fresh each tick and never mutated.
func (c *Cache) Put(snap types.InstrumentSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snap.Symbol] = snap
}

// Get returns the cached snapshot for symbol, if any.
func (c *Cache) Get(symbol string) (types.InstrumentSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[symbol]
	return snap, ok
}

// All returns every cached snapshot, in no particular order.
func (c *Cache) All() []types.InstrumentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.InstrumentSnapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, snap)
	}
	return out
}

// IsStale reports whether symbol's cached snapshot is missing or older
// than maxAge.
func (c *Cache) IsStale(symbol string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[symbol]
	if !ok {
		return true
	}
	return time.Since(snap.TakenAt) > maxAge
}
