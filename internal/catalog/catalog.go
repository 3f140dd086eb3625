// Package catalog maintains the resolver's view of installed packages:
// which exist, which are complete, and what area each one claims to
// cover.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/efbtools/chartstore/internal/observability"
	"github.com/efbtools/chartstore/internal/store"
	"github.com/efbtools/chartstore/internal/tilegeom"
)

// Entry is one installed package plus its parsed coverage bounds. Bounds
// is nil when the package declared none or declared garbage; such
// packages stay servable but rank below bounded ones.
type Entry struct {
	store.Metadata
	Bounds *orb.Bound
}

// Evictor drops any open tile database for a package that is going away.
type Evictor interface {
	Evict(id string)
}

type Catalog struct {
	store   *store.Store
	log     zerolog.Logger
	refresh time.Duration

	mu        sync.Mutex
	entries   []Entry
	fetchedAt time.Time

	evictor Evictor
	now     func() time.Time
}

func New(st *store.Store, log zerolog.Logger, refresh time.Duration) *Catalog {
	if refresh <= 0 {
		refresh = time.Second
	}
	return &Catalog{
		store:   st,
		log:     log.With().Str("component", "catalog").Logger(),
		refresh: refresh,
		now:     time.Now,
	}
}

// SetEvictor wires the open-handle cache; called once during startup.
func (c *Catalog) SetEvictor(e Evictor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictor = e
}

// List returns every known package, complete or not, sorted by id. The
// backend is consulted at most once per refresh interval.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.refresh {
		return c.entries, nil
	}

	metas, err := c.store.List(ctx)
	if err != nil {
		if c.entries != nil {
			// stale is better than nothing while the backend blips
			c.log.Warn().Err(err).Msg("catalog refresh failed, serving stale listing")
			return c.entries, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(metas))
	counts := map[store.Status]int{
		store.StatusDownloading: 0,
		store.StatusComplete:    0,
		store.StatusFailed:      0,
	}
	for _, m := range metas {
		counts[m.Status]++
		e := Entry{Metadata: m}
		if m.Bounds != "" {
			b, err := tilegeom.ParseBounds(m.Bounds)
			if err != nil {
				c.log.Warn().Str("package", m.ID).Err(err).Msg("unparseable bounds, treating package as boundless")
			} else {
				e.Bounds = &b
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	for st, n := range counts {
		observability.SetPackageCount(string(st), n)
	}

	c.entries = entries
	c.fetchedAt = c.now()
	return c.entries, nil
}

// Chart returns the complete packages for one chart, the resolver's
// candidate set.
func (c *Catalog) Chart(ctx context.Context, chartID string) ([]Entry, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Chart == chartID && e.Usable() {
			out = append(out, e)
		}
	}
	return out, nil
}

// Lookup returns one package by id from the cached listing.
func (c *Catalog) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Delete removes a package, evicts its open handle and drops the memoized
// listing so the next List sees the removal.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.evict(id)
	c.Invalidate()
	c.log.Info().Str("package", id).Msg("package deleted")
	return nil
}

// DeleteChart removes every package of a chart. With a non-empty cycle
// only matching cycles are removed. Returns the ids that were deleted.
func (c *Catalog) DeleteChart(ctx context.Context, chartID, cycle string) ([]string, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, e := range entries {
		if e.Chart != chartID {
			continue
		}
		if cycle != "" && e.Cycle != cycle {
			continue
		}
		if err := c.store.Delete(ctx, e.ID); err != nil {
			return deleted, err
		}
		c.evict(e.ID)
		deleted = append(deleted, e.ID)
	}
	if len(deleted) > 0 {
		c.Invalidate()
		c.log.Info().Str("chart", chartID).Strs("packages", deleted).Msg("chart packages deleted")
	}
	return deleted, nil
}

// DeleteSuperseded removes a chart's packages from every cycle except
// keepCycle. Returns the ids that were deleted.
func (c *Catalog) DeleteSuperseded(ctx context.Context, chartID, keepCycle string) ([]string, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, e := range entries {
		if e.Chart != chartID || e.Cycle == keepCycle {
			continue
		}
		if err := c.store.Delete(ctx, e.ID); err != nil {
			return deleted, err
		}
		c.evict(e.ID)
		deleted = append(deleted, e.ID)
	}
	if len(deleted) > 0 {
		c.Invalidate()
		c.log.Info().Str("chart", chartID).Str("cycle", keepCycle).Strs("packages", deleted).Msg("superseded packages deleted")
	}
	return deleted, nil
}

// PurgeStalled reclaims interrupted installs older than olderThan.
func (c *Catalog) PurgeStalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	purged, err := c.store.PurgeStalled(ctx, olderThan)
	if len(purged) > 0 {
		for _, id := range purged {
			c.evict(id)
		}
		c.Invalidate()
	}
	return purged, err
}

// Invalidate forces the next List to hit the backend.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *Catalog) evict(id string) {
	c.mu.Lock()
	e := c.evictor
	c.mu.Unlock()
	if e != nil {
		e.Evict(id)
	}
}
