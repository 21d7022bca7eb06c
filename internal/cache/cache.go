// Package cache provides the three-level cache over embeddings, search
// results, and session objects.
//
// Levels: L1 session-local, L2 project-shared, L3 global. Writes go through
// a single level chosen by scope; reads walk L1 -> L2 -> L3. Each level
// expires entries by its own TTL and evicts LRU when full.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Scope selects the cache level a value is written to.
type Scope int

const (
	ScopeSession Scope = iota
	ScopeProject
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeProject:
		return "project"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Config sizes the levels and sets the TTL of what each one holds: session
// objects in L1, search result sets in L2, embeddings in L3.
type Config struct {
	MaxEntriesPerTier int
	SessionTTL        time.Duration
	SearchTTL         time.Duration
	EmbeddingTTL      time.Duration
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxEntriesPerTier <= 0 {
		c.MaxEntriesPerTier = 4096
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.SearchTTL <= 0 {
		c.SearchTTL = 10 * time.Minute
	}
	if c.EmbeddingTTL <= 0 {
		c.EmbeddingTTL = 24 * time.Hour
	}
}

type level struct {
	lru    *expirable.LRU[string, any]
	hits   uint64
	misses uint64
}

// Stats reports hit rates per level.
type Stats struct {
	Levels map[string]LevelStats `json:"levels"`
}

// LevelStats holds counters for one cache level.
type LevelStats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Cache is the three-level TTL cache.
type Cache struct {
	mu     sync.Mutex
	levels [3]*level
}

// New creates the cache.
func New(cfg Config) *Cache {
	cfg.ApplyDefaults()
	ttls := [3]time.Duration{
		ScopeSession: cfg.SessionTTL,
		ScopeProject: cfg.SearchTTL,
		ScopeGlobal:  cfg.EmbeddingTTL,
	}
	c := &Cache{}
	for i, ttl := range ttls {
		c.levels[i] = &level{lru: expirable.NewLRU[string, any](cfg.MaxEntriesPerTier, nil, ttl)}
	}
	return c
}

// Set writes a value into the level selected by scope.
func (c *Cache) Set(scope Scope, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[scope].lru.Add(key, value)
}

// Get reads a key, walking L1 -> L2 -> L3. Expired entries count as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.levels {
		v, ok := l.lru.Get(key)
		if !ok {
			l.misses++
			continue
		}
		l.hits++
		return v, true
	}
	return nil, false
}

// Delete removes a key from every level.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.levels {
		l.lru.Remove(key)
	}
}

// InvalidatePrefix removes all keys with the given prefix from the level
// selected by scope. Used to drop a session's entries at end-of-session.
func (c *Cache) InvalidatePrefix(scope Scope, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.levels[scope]
	removed := 0
	for _, key := range l.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			l.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns hit-rate counters for every level.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{Levels: make(map[string]LevelStats, 3)}
	for i, l := range c.levels {
		total := l.hits + l.misses
		rate := 0.0
		if total > 0 {
			rate = float64(l.hits) / float64(total)
		}
		out.Levels[Scope(i).String()] = LevelStats{
			Entries: l.lru.Len(),
			Hits:    l.hits,
			Misses:  l.misses,
			HitRate: rate,
		}
	}
	return out
}

// Key builders. Keys are stable across processes so cache warmers and
// readers agree.

// SessionKey builds the key for a session object.
func SessionKey(project, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", project, sessionID)
}

// EmbeddingKey builds the key for a cached embedding.
func EmbeddingKey(text string) string {
	return "embed:" + hashString(text)
}

// SearchKey builds the key for a cached search result set.
func SearchKey(collection, query string, opts string) string {
	return "search:" + hashString(collection+"\x00"+query+"\x00"+opts)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
