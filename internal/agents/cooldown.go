package agents

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// cooldownMap suppresses bursts per (user, channel, agent). Keys are
// hashed so user identifiers never sit in memory, and the map is
// bounded: past the cap the oldest half by last use is dropped.
type cooldownMap struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	maxSize int
	now     func() time.Time
}

func newCooldownMap(window time.Duration, maxSize int) *cooldownMap {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 200
	}
	return &cooldownMap{
		entries: make(map[string]time.Time),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Allow reports whether this triple may act now, and if so starts its
// cooldown.
func (c *cooldownMap) Allow(userID, channelKey, agent string) bool {
	key := cooldownKey(userID, channelKey, agent)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.entries[key]; ok && now.Sub(last) < c.window {
		return false
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldestHalfLocked()
	}
	c.entries[key] = now
	return true
}

func (c *cooldownMap) evictOldestHalfLocked() {
	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, v := range c.entries {
		all = append(all, aged{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	for _, e := range all[:len(all)/2] {
		delete(c.entries, e.key)
	}
}

func cooldownKey(userID, channelKey, agent string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + channelKey + "\x00" + agent))
	return hex.EncodeToString(sum[:])
}
