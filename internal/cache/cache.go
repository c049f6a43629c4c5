// Package cache is the content-addressed store of decoded overlay images.
//
// Entries are owned by the chunk that produced them. Eviction first removes
// entries of retired chunks that are not active, then least-recently-used
// entries of non-active chunks while the cache is over its count or byte budget.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/frames"
)

// Defaults used when Config leaves a bound at zero
const (
	DefaultMaxEntries = 600
	DefaultMaxBytes   = 256 << 20
)

// Config bounds the cache
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

// Entry is one cached image with the chunk that owns it
type Entry struct {
	Key   frames.ContentKey
	Image *frames.Image
	Chunk int
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions int64
	Retired   int // chunks below this index are retired
}

func (s Stats) String() string {
	return fmt.Sprintf("%d entries, %s, %d hits, %d misses, %d evicted",
		s.Entries, humanize.IBytes(uint64(s.Bytes)), s.Hits, s.Misses, s.Evictions)
}

// Cache is safe for concurrent use. Every critical section is a bounded
// map operation; no decode work happens under the lock.
type Cache struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	lru        *lru.LRU[frames.ContentKey, *Entry]
	bytes      int64
	active     map[int]struct{}
	retiredTo  int // chunks with index < retiredTo have finished playback
	needsSweep bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache with the given bounds
func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	c := &Cache{
		cfg:    cfg,
		logger: logger.With().Str("component", "decode-cache").Logger(),
		active: make(map[int]struct{}),
	}
	// The hard ceiling only guards against runaway growth when every entry
	// is active; normal eviction is driven by enforce.
	l, err := lru.NewLRU[frames.ContentKey, *Entry](cfg.MaxEntries*4, c.onEvict)
	if err != nil {
		panic(err) // size is always positive here
	}
	c.lru = l
	return c
}

// onEvict runs under c.mu from within lru calls
func (c *Cache) onEvict(_ frames.ContentKey, e *Entry) {
	if e.Image != nil {
		c.bytes -= e.Image.Bytes
	}
	c.evictions.Add(1)
}

// Put stores a decoded image for key, owned by chunk. If the key is already
// present the entry is re-owned by the later chunk and the image kept.
func (c *Cache) Put(key frames.ContentKey, img *frames.Image, chunk int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(key); ok {
		if chunk > e.Chunk {
			e.Chunk = chunk
		}
	} else {
		e := &Entry{Key: key, Image: img, Chunk: chunk}
		if img != nil {
			c.bytes += img.Bytes
		}
		c.lru.Add(key, e)
	}
	c.enforce()
}

// Adopt re-owns an existing entry for chunk so it survives until that chunk
// has played. It reports whether the key was present, letting callers skip
// a redundant decode.
func (c *Cache) Adopt(key frames.ContentKey, chunk int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if chunk > e.Chunk {
		e.Chunk = chunk
	}
	return true
}

// Get returns the image for key and marks it recently used. A miss means
// "not ready yet"; it is counted, never an error.
func (c *Cache) Get(key frames.ContentKey) (*frames.Image, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.Image, true
}

// Peek returns the entry for key without touching recency or counters
func (c *Cache) Peek(key frames.ContentKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Contains reports whether key is cached
func (c *Cache) Contains(key frames.ContentKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// SetActive replaces the set of chunks whose entries must not be evicted:
// the chunk playing and the chunk contributing the overlap window.
func (c *Cache) SetActive(chunks ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = make(map[int]struct{}, len(chunks))
	for _, ch := range chunks {
		c.active[ch] = struct{}{}
	}
	c.needsSweep = true
}

// Retire marks every chunk up to and including chunk as fully played.
// Their entries are removed by the next Put once they are not active.
func (c *Cache) Retire(chunk int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chunk+1 > c.retiredTo {
		c.retiredTo = chunk + 1
		c.needsSweep = true
	}
}

// Sweep removes retired entries immediately
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsSweep = true
	c.enforce()
}

// Purge drops every entry and resets retirement, used when the queue is cleared
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.lru.Purge()
	c.bytes = 0
	c.active = make(map[int]struct{})
	c.retiredTo = 0
	c.needsSweep = false
	c.logger.Debug().Int("entries", n).Msg("Cache purged")
}

// Len returns the number of entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Entries: c.lru.Len(), Bytes: c.bytes, Retired: c.retiredTo}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	return s
}

// enforce applies the eviction policy. Caller holds c.mu.
func (c *Cache) enforce() {
	if c.needsSweep {
		for _, key := range c.lru.Keys() {
			e, ok := c.lru.Peek(key)
			if !ok {
				continue
			}
			if e.Chunk < c.retiredTo && !c.isActive(e.Chunk) {
				c.lru.Remove(key)
			}
		}
		c.needsSweep = false
	}

	if !c.overBudget() {
		return
	}

	// Keys are ordered oldest first
	for _, key := range c.lru.Keys() {
		if !c.overBudget() {
			return
		}
		e, ok := c.lru.Peek(key)
		if !ok || c.isActive(e.Chunk) {
			continue
		}
		c.lru.Remove(key)
	}

	if c.overBudget() {
		c.logger.Warn().
			Int("entries", c.lru.Len()).
			Str("bytes", humanize.IBytes(uint64(c.bytes))).
			Msg("Cache over budget with only active entries left")
	}
}

func (c *Cache) overBudget() bool {
	return c.lru.Len() > c.cfg.MaxEntries || c.bytes > c.cfg.MaxBytes
}

func (c *Cache) isActive(chunk int) bool {
	_, ok := c.active[chunk]
	return ok
}
