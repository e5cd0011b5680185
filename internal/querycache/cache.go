// Package querycache provides a bounded, TTL-limited, in-process cache
// of search results.
//
// Entries are keyed by a hash of the normalized query text and the
// project identifier. The cache stores results before consumer filters
// are applied, so different filter combinations over the same raw query
// reuse one entry. Invalidation is project-scoped: any write to a
// project's index removes every cached query for that project, since a
// changed entity can affect the ranking of any of them.
package querycache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/story"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Config holds cache parameters.
type Config struct {
	// TTL is the maximum entry age before it is considered stale.
	// Default: 5m
	TTL time.Duration `koanf:"ttl"`

	// MaxEntries bounds the cache size; the least-recently-accessed
	// entry is evicted first. Default: 100
	MaxEntries int `koanf:"max_entries"`

	// PruneInterval is the period of the background expiry sweep.
	// Default: 1m
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 100
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = time.Minute
	}
}

// entry is a cached result set for one (query, project) pair.
type entry struct {
	key       uint64
	projectID string

	results []story.SearchResult

	// embedding is the query vector snapshot captured when the entry
	// was populated; kept for debugging and re-ranking experiments.
	embedding []float32

	createdAt    time.Time
	lastAccessAt time.Time
	hitCount     int
}

// Stats reports cache effectiveness and occupancy.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	Evictions uint64  `json:"evictions"`

	// OldestAge and NewestAge are entry ages by creation time; zero
	// when the cache is empty.
	OldestAge time.Duration `json:"oldest_age"`
	NewestAge time.Duration `json:"newest_age"`
}

// Cache is a bounded TTL+LRU cache over search results.
//
// A single coarse mutex serializes all access; the cache is not on any
// hot inner loop beyond key lookup, and concurrent reads interleaved
// with writes must not corrupt the LRU ordering.
type Cache struct {
	mu      sync.Mutex
	config  Config
	entries map[uint64]*list.Element

	// order holds *entry values, most recently accessed at the front.
	order *list.List

	hits      uint64
	misses    uint64
	evictions uint64

	logger *zap.Logger
}

// New creates a Cache with the given configuration.
func New(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Cache{
		config:  cfg,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		logger:  logger,
	}
}

// Key hashes a normalized query and project into the fixed-length cache key.
func Key(query, projectID string) uint64 {
	return xxhash.Sum64String(NormalizeQuery(query) + "\x00" + projectID)
}

// NormalizeQuery trims, case-folds and collapses whitespace so
// trivially different spellings of a query share one cache entry.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Get returns the cached result set for (query, projectID) if present
// and fresh. A hit refreshes the entry's LRU position and increments
// its hit counter.
func (c *Cache) Get(query, projectID string) ([]story.SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[Key(query, projectID)]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	if timeNow().Sub(e.createdAt) > c.config.TTL {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	e.lastAccessAt = timeNow()
	e.hitCount++
	c.order.MoveToFront(elem)
	c.hits++
	return e.results, true
}

// Set inserts or replaces the entry for (query, projectID). When the
// cache is full, the least-recently-accessed entry is evicted first.
// The embedding snapshot is optional and may be nil.
func (c *Cache) Set(query, projectID string, results []story.SearchResult, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(query, projectID)
	now := timeNow()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.results = results
		e.embedding = embedding
		e.createdAt = now
		e.lastAccessAt = now
		c.order.MoveToFront(elem)
		return
	}

	if len(c.entries) >= c.config.MaxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
		}
	}

	e := &entry{
		key:          key,
		projectID:    projectID,
		results:      results,
		embedding:    embedding,
		createdAt:    now,
		lastAccessAt: now,
	}
	c.entries[key] = c.order.PushFront(e)
}

// InvalidateProject removes every entry for the given project and
// returns the number removed.
func (c *Cache) InvalidateProject(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).projectID == projectID {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}

	if removed > 0 {
		c.logger.Debug("invalidated project cache entries",
			zap.String("project_id", projectID),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// InvalidateEntity removes cached queries affected by a change to one
// entity. Tracking which cached top-K sets contain a given entity is
// not implemented; this delegates to project-wide invalidation, which
// is correct (never serves stale results) at the cost of extra misses.
func (c *Cache) InvalidateEntity(entityID, projectID string) int {
	_ = entityID
	return c.InvalidateProject(projectID)
}

// Prune removes expired entries independent of access and returns the
// number removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if now.Sub(elem.Value.(*entry).createdAt) > c.config.TTL {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// StartPruner runs a periodic Prune until ctx is done.
func (c *Cache) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.config.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Prune(); n > 0 {
					c.logger.Debug("pruned expired cache entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Stats returns hit/miss accounting and entry age bounds.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.entries),
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}

	now := timeNow()
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		age := now.Sub(elem.Value.(*entry).createdAt)
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
		if stats.NewestAge == 0 || age < stats.NewestAge {
			stats.NewestAge = age
		}
	}
	return stats
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(elem *list.Element) {
	delete(c.entries, elem.Value.(*entry).key)
	c.order.Remove(elem)
}
