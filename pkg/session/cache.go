// Package session tracks per-session usage counters reported by upstreams.
// The cache is advisory: absence is never an error and failures are dropped.
package session

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

// DefaultCapacity is the soft cap on tracked sessions.
const DefaultCapacity = 1024

// UsageCache maps session ids to their most recent usage counters.
// lru.Cache is safe for concurrent readers and writers.
type UsageCache struct {
	cache *lru.Cache[string, anthropic.Usage]
}

// NewUsageCache creates a bounded cache. capacity <= 0 uses the default.
func NewUsageCache(capacity int) *UsageCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, _ := lru.New[string, anthropic.Usage](capacity)
	return &UsageCache{cache: cache}
}

// Put records the latest usage for a session, merging cumulative input
// tokens when the upstream reports only output deltas.
func (c *UsageCache) Put(sessionID string, usage anthropic.Usage) {
	if sessionID == "" {
		return
	}
	if prev, ok := c.cache.Get(sessionID); ok {
		if usage.InputTokens == 0 {
			usage.InputTokens = prev.InputTokens
		}
	}
	c.cache.Add(sessionID, usage)
}

// Get returns the last known usage for a session.
func (c *UsageCache) Get(sessionID string) (anthropic.Usage, bool) {
	return c.cache.Get(sessionID)
}

// Len returns the number of tracked sessions.
func (c *UsageCache) Len() int {
	return c.cache.Len()
}
