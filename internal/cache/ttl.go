package cache

import (
	"sync"
	"time"
)

// TTL is a small expiring cache keyed by string. The dashboard handlers use
// it to avoid recomputing summaries on every poll; any write to the ledger
// calls Flush so stale totals never outlive a mutation.
type TTL[T any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entry[T]
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func NewTTL[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{
		ttl:   ttl,
		items: make(map[string]entry[T]),
	}
}

func (c *TTL[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

func (c *TTL[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[T]{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Flush drops every entry.
func (c *TTL[T]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
}

func (c *TTL[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
