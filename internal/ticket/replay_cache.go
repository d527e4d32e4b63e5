package ticket

import (
	"sync"
	"time"
)

// ReplayCache is a tiny in-memory TTL cache of recently authorized scans.
// A second authorized scan of the same subscription on the same bus inside
// the window is treated as a replay.
type ReplayCache struct {
	mu    sync.Mutex
	store map[string]time.Time
	ttl   time.Duration
}

// NewReplayCache creates a cache with the provided TTL.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{store: make(map[string]time.Time), ttl: ttl}
}

func replayKey(subscriptionID, busID string) string {
	return subscriptionID + "@" + busID
}

// FirstSeen records the scan and reports whether it is the first inside the
// window. Expired entries are dropped lazily on lookup.
func (c *ReplayCache) FirstSeen(subscriptionID, busID string) bool {
	k := replayKey(subscriptionID, busID)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.store[k]; ok && now.Sub(ts) <= c.ttl {
		return false
	}
	c.store[k] = now
	for key, ts := range c.store {
		if now.Sub(ts) > c.ttl {
			delete(c.store, key)
		}
	}
	return true
}
