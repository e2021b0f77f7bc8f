// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pagecache is the arena of decoded file pages. Pages are
// keyed by (file, cluster, page) and handed out as referenced handles.
// Pages that are unreferenced and clean sit on an LRU and are the only
// eviction candidates; a dirty page stays resident until its owner
// cleans it.
package pagecache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrOutOfMemory is returned by Grab when the cache is at MaxPages and
// no idle clean page can be evicted.
var ErrOutOfMemory = errors.New("page cache exhausted")

// Key addresses one page.
type Key struct {
	File    uint64
	Cluster uint64
	Page    uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.File, k.Cluster, k.Page)
}

// Page is one cache page. Data is always PageSize bytes. Callers hold
// the page lock while reading or writing Data.
type Page struct {
	key  Key
	mu   sync.Mutex
	Data []byte

	uptodate atomic.Bool
	dirty    atomic.Bool

	// refs and detached are guarded by the cache mutex.
	refs     int
	detached bool
}

// Key returns the page address.
func (p *Page) Key() Key { return p.key }

// Lock takes the page lock.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock releases the page lock.
func (p *Page) Unlock() { p.mu.Unlock() }

// Uptodate reports whether Data holds valid file contents. A page
// dropped by truncation is never uptodate again.
func (p *Page) Uptodate() bool { return p.uptodate.Load() }

// SetUptodate marks Data valid.
func (p *Page) SetUptodate() { p.uptodate.Store(true) }

// Dirty reports whether Data has changes not yet encoded to disk.
func (p *Page) Dirty() bool { return p.dirty.Load() }

// SetDirty marks the page as needing flush.
func (p *Page) SetDirty() { p.dirty.Store(true) }

// ClearDirty clears the needs-flush marker.
func (p *Page) ClearDirty() { p.dirty.Store(false) }

// Options configures a Cache.
type Options struct {
	// PageSize is the size of every page in bytes.
	PageSize int

	// MaxPages bounds the number of resident pages.
	MaxPages int

	// MaxIdlePages bounds the idle LRU. Zero means MaxPages.
	MaxIdlePages int

	// Logger receives eviction diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Pages     int
	Idle      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	pageSize int
	maxPages int
	pages    map[Key]*Page
	idle     *simplelru.LRU[Key, *Page]
	logger   *slog.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache.
func New(options Options) (*Cache, error) {
	if options.PageSize <= 0 {
		return nil, fmt.Errorf("pagecache: PageSize must be positive, got %d", options.PageSize)
	}
	if options.MaxPages <= 0 {
		return nil, fmt.Errorf("pagecache: MaxPages must be positive, got %d", options.MaxPages)
	}
	idleSize := options.MaxIdlePages
	if idleSize <= 0 || idleSize > options.MaxPages {
		idleSize = options.MaxPages
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cache := &Cache{
		pageSize: options.PageSize,
		maxPages: options.MaxPages,
		pages:    make(map[Key]*Page),
		logger:   logger,
	}
	idle, err := simplelru.NewLRU[Key, *Page](idleSize, cache.onIdleEvict)
	if err != nil {
		return nil, fmt.Errorf("pagecache: creating idle list: %w", err)
	}
	cache.idle = idle
	return cache, nil
}

// onIdleEvict runs under c.mu. simplelru also calls it for explicit
// Remove, so it only frees pages that are still unreferenced and
// still mapped.
func (c *Cache) onIdleEvict(key Key, page *Page) {
	if page.refs != 0 || c.pages[key] != page {
		return
	}
	delete(c.pages, key)
	page.detached = true
	c.evictions++
}

// PageSize returns the configured page size.
func (c *Cache) PageSize() int { return c.pageSize }

// Grab returns a referenced page for key, allocating a zero-filled,
// not-uptodate page if none is resident.
func (c *Cache) Grab(key Key) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if page, ok := c.pages[key]; ok {
		page.refs++
		if page.refs == 1 {
			c.idle.Remove(key)
		}
		c.hits++
		return page, nil
	}

	if len(c.pages) >= c.maxPages {
		if _, _, ok := c.idle.RemoveOldest(); !ok {
			c.logger.Debug("page cache full", "pages", len(c.pages), "key", key.String())
			return nil, ErrOutOfMemory
		}
	}

	page := &Page{key: key, Data: make([]byte, c.pageSize), refs: 1}
	c.pages[key] = page
	c.misses++
	return page, nil
}

// Lookup returns a referenced resident page, or nil.
func (c *Cache) Lookup(key Key) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, ok := c.pages[key]
	if !ok {
		return nil
	}
	page.refs++
	if page.refs == 1 {
		c.idle.Remove(key)
	}
	c.hits++
	return page
}

// Release drops one reference. An unreferenced clean page becomes an
// eviction candidate; an unreferenced page that was dropped from the
// cache is freed.
func (c *Cache) Release(page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if page.refs <= 0 {
		panic("pagecache: release of unreferenced page " + page.key.String())
	}
	page.refs--
	if page.refs > 0 || page.detached {
		return
	}
	if !page.Dirty() {
		c.idle.Add(page.key, page)
	}
}

// Drop detaches every page of file at or beyond (cluster, page).
// Detached pages lose their uptodate and dirty markers; holders of a
// reference keep a valid Data slice until they release it.
func (c *Cache) Drop(file uint64, cluster uint64, page uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, resident := range c.pages {
		if key.File != file {
			continue
		}
		if key.Cluster < cluster || (key.Cluster == cluster && key.Page < page) {
			continue
		}
		c.detachLocked(key, resident)
		dropped++
	}
	return dropped
}

// DropCluster detaches the pages of one cluster at or beyond page.
func (c *Cache) DropCluster(file uint64, cluster uint64, page uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, resident := range c.pages {
		if key.File != file || key.Cluster != cluster || key.Page < page {
			continue
		}
		c.detachLocked(key, resident)
		dropped++
	}
	return dropped
}

// DropFile detaches every page of file.
func (c *Cache) DropFile(file uint64) int {
	return c.Drop(file, 0, 0)
}

func (c *Cache) detachLocked(key Key, page *Page) {
	delete(c.pages, key)
	page.detached = true
	page.uptodate.Store(false)
	page.dirty.Store(false)
	c.idle.Remove(key)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pages:     len(c.pages),
		Idle:      c.idle.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
