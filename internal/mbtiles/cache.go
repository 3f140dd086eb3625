package mbtiles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/efbtools/chartstore/internal/observability"
	"github.com/efbtools/chartstore/internal/store"
)

// Source fetches a package's verified content from the store.
type Source func(ctx context.Context, id string) (store.Metadata, []byte, error)

type CacheConfig struct {
	// Size bounds how many unpinned handles stay open.
	Size int
	// PinThreshold is the hotness score above which a handle bypasses
	// eviction. Zero or negative disables pinning.
	PinThreshold float64
	HotHalfLife  time.Duration
	// RetryDelay sits between the two lookup attempts.
	RetryDelay time.Duration
}

// Result is one served tile.
type Result struct {
	Data []byte
	MIME string
}

// Cache owns every open TileDB. Unpinned handles live in a bounded LRU;
// handles hot enough to cross PinThreshold are pinned until they cool
// down. Explicit Evict always wins over pinning.
type Cache struct {
	cfg    CacheConfig
	source Source
	log    zerolog.Logger

	group singleflight.Group
	opens atomic.Int64

	mu     sync.Mutex
	lru    *lru.Cache[string, *TileDB]
	pinned map[string]*TileDB
	hot    *hotTracker
}

func NewCache(cfg CacheConfig, source Source, log zerolog.Logger) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = 8
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.HotHalfLife <= 0 {
		cfg.HotHalfLife = time.Minute
	}
	c := &Cache{
		cfg:    cfg,
		source: source,
		log:    log.With().Str("component", "tilecache").Logger(),
		pinned: make(map[string]*TileDB),
		hot:    newHotTracker(cfg.HotHalfLife),
	}
	l, err := lru.NewWithEvict[string, *TileDB](cfg.Size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs inside lru mutations, which all happen under c.mu, so it
// reads c.pinned directly and must not lock.
func (c *Cache) onEvict(id string, db *TileDB) {
	if c.pinned[id] == db {
		// promoted, not evicted
		return
	}
	db.Close()
	c.log.Debug().Str("package", id).Msg("tile database evicted")
}

// Tile serves one tile from the package. A miss or failure gets exactly
// one retry after RetryDelay; the retry reopens the handle when the first
// attempt's failure suggests it went bad underneath us.
func (c *Cache) Tile(ctx context.Context, id string, zoom, col, row int) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		res, err := c.tileOnce(ctx, id, zoom, col, row)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func (c *Cache) tileOnce(ctx context.Context, id string, zoom, col, row int) (Result, error) {
	db, err := c.handle(ctx, id)
	if err != nil {
		return Result{}, err
	}
	data, err := db.Tile(ctx, zoom, col, row)
	if err == nil {
		return Result{Data: data, MIME: DetectMIME(data)}, nil
	}
	if !errors.Is(err, ErrNoTile) {
		// handle may have been closed under us; drop it so the retry
		// reopens from the store
		c.Evict(id)
	}
	return Result{}, err
}

// handle returns the open TileDB for id, opening it at most once across
// concurrent callers.
func (c *Cache) handle(ctx context.Context, id string) (*TileDB, error) {
	if db, ok := c.cached(id); ok {
		c.touch(id)
		return db, nil
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		if db, ok := c.cached(id); ok {
			return db, nil
		}
		return c.open(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	c.touch(id)
	return v.(*TileDB), nil
}

func (c *Cache) cached(id string) (*TileDB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.pinned[id]; ok {
		return db, true
	}
	return c.lru.Get(id)
}

func (c *Cache) open(ctx context.Context, id string) (*TileDB, error) {
	start := time.Now()
	meta, data, err := c.source(ctx, id)
	if err != nil {
		return nil, err
	}
	db, err := Open(ctx, id, data)
	if err != nil {
		return nil, err
	}
	c.opens.Add(1)
	observability.ObservePackageOpen(time.Since(start).Seconds())
	c.log.Info().
		Str("package", id).
		Str("chart", meta.Chart).
		Int64("bytes", db.Size()).
		Msg("tile database opened")

	c.mu.Lock()
	if c.cfg.PinThreshold > 0 && c.hot.score(id) >= c.cfg.PinThreshold {
		c.pinned[id] = db
	} else {
		c.lru.Add(id, db)
	}
	c.gaugesLocked()
	c.mu.Unlock()
	return db, nil
}

// touch feeds the hotness tracker and moves handles across the pin
// boundary in both directions.
func (c *Cache) touch(id string) {
	if c.cfg.PinThreshold <= 0 {
		return
	}
	score := c.hot.touch(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if score >= c.cfg.PinThreshold {
		if _, ok := c.pinned[id]; !ok {
			if db, ok := c.lru.Peek(id); ok {
				c.pinned[id] = db
				c.lru.Remove(id) // onEvict sees the pin and leaves it open
			}
		}
	}
	for pid, pdb := range c.pinned {
		if c.hot.score(pid) >= c.cfg.PinThreshold {
			continue
		}
		delete(c.pinned, pid)
		c.lru.Add(pid, pdb)
		c.log.Debug().Str("package", pid).Msg("handle unpinned")
	}
	c.gaugesLocked()
}

// DeclaredBounds returns the bounds recorded inside an already-open tile
// database. It never triggers an open: before the first lookup the
// catalog's view is all there is.
func (c *Cache) DeclaredBounds(id string) (orb.Bound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.pinned[id]; ok {
		return db.Bounds()
	}
	if db, ok := c.lru.Peek(id); ok {
		return db.Bounds()
	}
	return orb.Bound{}, false
}

// Evict closes and forgets any open handle for id, for deletion and
// supersede paths. Pinning does not survive it.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.pinned[id]; ok {
		delete(c.pinned, id)
		db.Close()
	}
	c.lru.Remove(id) // closes through onEvict
	c.hot.forget(id)
	c.gaugesLocked()
}

// Pinned reports whether id currently bypasses the eviction queue.
func (c *Cache) Pinned(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pinned[id]
	return ok
}

// Opens counts real deserializations since startup, i.e. how often the
// coalescing and the cache missed.
func (c *Cache) Opens() int64 { return c.opens.Load() }

// Close releases every open handle.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, db := range c.pinned {
		delete(c.pinned, id)
		db.Close()
	}
	c.lru.Purge() // closes the rest through onEvict
	c.gaugesLocked()
}

func (c *Cache) gaugesLocked() {
	var bytes int64
	for _, db := range c.pinned {
		bytes += db.Size()
	}
	for _, db := range c.lru.Values() {
		bytes += db.Size()
	}
	observability.SetOpenHandles(len(c.pinned) + c.lru.Len())
	observability.SetOpenHandleBytes(bytes)
}
