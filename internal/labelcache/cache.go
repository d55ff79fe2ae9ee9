// Package labelcache keeps display labels for rooms so listing commands do
// not hit the homeserver for every line.
package labelcache

import (
	"sync"
	"time"
)

type entry struct {
	label string
	exp   time.Time
}

type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
	now func() time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{ttl: ttl, m: make(map[string]entry), now: time.Now}
}

func (c *Cache) Get(roomID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.m[roomID]
	c.mu.RUnlock()
	if !ok || c.now().After(e.exp) {
		return "", false
	}
	return e.label, true
}

func (c *Cache) Set(roomID, label string) {
	c.mu.Lock()
	c.m[roomID] = entry{label: label, exp: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Forget drops one room, e.g. after its rule changed.
func (c *Cache) Forget(roomID string) {
	c.mu.Lock()
	delete(c.m, roomID)
	c.mu.Unlock()
}
