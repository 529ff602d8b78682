// Package cache provides the bounded in-memory song metadata cache.
//
// Lookups never block: a miss answers immediately and starts one
// background fetch for the id. Entries referenced by queued playlist
// entries are pinned and survive eviction at any cache bound.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/internal/metrics"
	"github.com/UnHolds/KaraokeV2/pkg/catalog"
	"github.com/UnHolds/KaraokeV2/pkg/events"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
)

// DefaultMaxSongs bounds the cache when no limit is configured.
const DefaultMaxSongs = 512

// Status describes what the cache knows about a song id.
type Status int

const (
	// StatusUnknown means the cache holds nothing and no fetch is
	// running. On an Update it means a fetch ended without a verdict
	// and may be retried.
	StatusUnknown Status = iota
	// StatusLoading means a fetch for the id is in flight.
	StatusLoading
	// StatusLoaded means the song is cached.
	StatusLoaded
	// StatusNotFound means the server does not know the id. This is a
	// verdict, not a pending state.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Fetcher loads song metadata on cache misses. *catalog.Client
// implements it.
type Fetcher interface {
	SongByID(ctx context.Context, id int64) (*protocol.Song, error)
}

// Update reports a change in what the cache knows about a song.
type Update struct {
	ID     int64
	Status Status
	Song   *protocol.Song
}

type entry struct {
	song       *protocol.Song
	notFound   bool
	lastAccess time.Time
}

// Stats holds cache counters for diagnostics.
type Stats struct {
	Songs    int
	Pinned   int
	MaxSongs int
}

// Cache is the bounded song store. Eviction is least-recently-used and
// skips pinned ids; pins are reference counted and tracked independently
// of the entries, so a pin placed before the fetch lands still protects
// the song.
type Cache struct {
	maxSongs int
	fetcher  Fetcher
	updates  *events.Broadcaster[Update]

	mu       sync.RWMutex
	entries  map[int64]*entry
	pins     map[int64]int
	fetching map[int64]struct{}
}

// New creates a cache over the given fetcher.
func New(fetcher Fetcher, maxSongs int) *Cache {
	if maxSongs <= 0 {
		maxSongs = DefaultMaxSongs
	}
	return &Cache{
		maxSongs: maxSongs,
		fetcher:  fetcher,
		updates:  events.NewBroadcaster[Update](),
		entries:  make(map[int64]*entry),
		pins:     make(map[int64]int),
		fetching: make(map[int64]struct{}),
	}
}

// Subscribe returns a channel of cache updates. Slow subscribers drop
// updates rather than block the cache.
func (c *Cache) Subscribe() chan Update {
	return c.updates.Subscribe()
}

// Unsubscribe removes and closes an update channel.
func (c *Cache) Unsubscribe(ch chan Update) {
	c.updates.Unsubscribe(ch)
}

// Get answers immediately with what the cache knows. A miss starts one
// background fetch for the id; its outcome arrives as an Update. The
// context bounds that background fetch.
func (c *Cache) Get(ctx context.Context, id int64) (*protocol.Song, Status) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if e.notFound {
			c.mu.Unlock()
			return nil, StatusNotFound
		}
		e.lastAccess = time.Now()
		c.mu.Unlock()
		metrics.RecordCacheHit()
		return e.song, StatusLoaded
	}
	if _, inflight := c.fetching[id]; inflight {
		c.mu.Unlock()
		return nil, StatusLoading
	}
	c.fetching[id] = struct{}{}
	c.mu.Unlock()

	metrics.RecordCacheMiss()
	go c.fetch(ctx, id)
	return nil, StatusLoading
}

// Peek answers without side effects: no fetch, no recency bump.
func (c *Cache) Peek(id int64) (*protocol.Song, Status) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		if e.notFound {
			return nil, StatusNotFound
		}
		return e.song, StatusLoaded
	}
	if _, inflight := c.fetching[id]; inflight {
		return nil, StatusLoading
	}
	return nil, StatusUnknown
}

// Put stores a song unconditionally, overwriting any previous entry or
// not-found verdict for the id.
func (c *Cache) Put(song *protocol.Song) {
	if song == nil {
		return
	}
	c.mu.Lock()
	c.storeLocked(song.ID, &entry{song: song, lastAccess: time.Now()})
	c.mu.Unlock()
	c.updates.Publish(Update{ID: song.ID, Status: StatusLoaded, Song: song})
}

// Pin marks a song as referenced by a queued playlist entry. Pins are
// counted; each Pin needs a matching Unpin. Pinning an id the cache has
// not loaded yet is valid and protects the song once it lands.
func (c *Cache) Pin(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[id]++
}

// Unpin releases one pin reference.
func (c *Cache) Unpin(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[id] <= 1 {
		delete(c.pins, id)
		return
	}
	c.pins[id]--
}

// IsPinned returns true if the id holds at least one pin.
func (c *Cache) IsPinned(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pins[id] > 0
}

// Dump returns all cached songs, for persisting the warm cache across
// restarts. Not-found verdicts are skipped.
func (c *Cache) Dump() []protocol.Song {
	c.mu.RLock()
	defer c.mu.RUnlock()
	songs := make([]protocol.Song, 0, len(c.entries))
	for _, e := range c.entries {
		if e.notFound {
			continue
		}
		songs = append(songs, *e.song)
	}
	return songs
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Songs:    len(c.entries),
		Pinned:   len(c.pins),
		MaxSongs: c.maxSongs,
	}
}

// Prefetch warms the cache for the given ids with at most maxConcurrent
// fetches in flight. Ids already cached, already being fetched, or
// already judged missing are skipped. It blocks until all fetches finish
// or ctx ends.
func (c *Cache) Prefetch(ctx context.Context, ids []int64, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if !c.claim(id) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			c.fetch(ctx, id)
		}(id)
	}

	wg.Wait()
}

// claim reserves the fetch slot for an id. It returns false when the
// cache already holds a verdict or a fetch is in flight.
func (c *Cache) claim(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return false
	}
	if _, ok := c.fetching[id]; ok {
		return false
	}
	c.fetching[id] = struct{}{}
	return true
}

// fetch resolves one claimed id and publishes the outcome. The claim is
// released whatever happens, so failed fetches can be retried later.
func (c *Cache) fetch(ctx context.Context, id int64) {
	song, err := c.fetcher.SongByID(ctx, id)

	c.mu.Lock()
	delete(c.fetching, id)
	switch {
	case err == nil:
		c.storeLocked(id, &entry{song: song, lastAccess: time.Now()})
		c.mu.Unlock()
		c.updates.Publish(Update{ID: id, Status: StatusLoaded, Song: song})
	case errors.Is(err, catalog.ErrNotFound):
		c.storeLocked(id, &entry{notFound: true, lastAccess: time.Now()})
		c.mu.Unlock()
		c.updates.Publish(Update{ID: id, Status: StatusNotFound})
	default:
		c.mu.Unlock()
		logging.Warn("song fetch failed",
			logging.Int64("song", id),
			logging.Err(err))
		c.updates.Publish(Update{ID: id, Status: StatusUnknown})
	}
}

func (c *Cache) storeLocked(id int64, e *entry) {
	c.entries[id] = e
	for len(c.entries) > c.maxSongs {
		if !c.evictOldestLocked() {
			break
		}
	}
	metrics.SetCacheSize(len(c.entries))
}

// evictOldestLocked removes the least recently used unpinned entry. It
// returns false when every entry is pinned and nothing can go.
func (c *Cache) evictOldestLocked() bool {
	var oldest int64
	var oldestTime time.Time
	found := false
	for id, e := range c.entries {
		if c.pins[id] > 0 {
			continue
		}
		if !found || e.lastAccess.Before(oldestTime) {
			oldest = id
			oldestTime = e.lastAccess
			found = true
		}
	}
	if !found {
		return false
	}
	delete(c.entries, oldest)
	metrics.RecordCacheEviction()
	return true
}
