package kv

import (
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	Keys            int
	MemoryBytes     int64
	MaxMemoryBytes  int64
	Sets            int64
	Gets            int64
	Deletes         int64
	Evictions       int64
	Expirations     int64
	LastEvictionKey string
}

type counters struct {
	sets        atomic.Int64
	gets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	mu              sync.Mutex
	lastEvictionKey string
}

func (c *counters) recordEviction(key string) {
	c.evictions.Add(1)
	c.mu.Lock()
	c.lastEvictionKey = key
	c.mu.Unlock()
}

func (c *counters) lastEviction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvictionKey
}
