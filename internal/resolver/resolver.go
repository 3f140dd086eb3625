// Package resolver decides which installed package serves a requested
// tile when several geographically overlap, so panning the map never
// shows a neighbouring region's sliver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/mbtiles"
	"github.com/efbtools/chartstore/internal/observability"
	"github.com/efbtools/chartstore/internal/tilegeom"
)

type Options struct {
	// StrictBounds rejects candidates whose declared coverage does not
	// contain the tile center. Disabled it becomes a diagnostic fallback
	// mode for packages with unreliable coverage metadata.
	StrictBounds bool
	// Tolerance pads declared bounds in degrees so legitimate edge tiles
	// are not rejected.
	Tolerance float64
	// MinOverlap discards candidates whose coverage only grazes the tile.
	// Zero disables the threshold.
	MinOverlap float64
	// MinMargin discards candidates whose center containment is too
	// shallow. Zero disables the threshold.
	MinMargin float64
}

type Resolver struct {
	catalog *catalog.Catalog
	cache   *mbtiles.Cache
	opts    Options
	log     zerolog.Logger
}

func New(cat *catalog.Catalog, cache *mbtiles.Cache, opts Options, log zerolog.Logger) *Resolver {
	return &Resolver{
		catalog: cat,
		cache:   cache,
		opts:    opts,
		log:     log.With().Str("component", "resolver").Logger(),
	}
}

// Candidate is one package considered during a resolution, with the
// reason it lost when it did.
type Candidate struct {
	PackageID        string  `json:"package_id"`
	HasTile          bool    `json:"has_tile"`
	Err              string  `json:"error,omitempty"`
	BoundsSource     string  `json:"bounds_source,omitempty"`
	RejectedByBounds bool    `json:"rejected_by_bounds,omitempty"`
	Overlap          float64 `json:"overlap_ratio"`
	Margin           float64 `json:"margin_score"`
	Discarded        string  `json:"discarded,omitempty"`
	Winner           bool    `json:"winner,omitempty"`
}

// Report is the full account of one resolution, served read-only for
// field-debugging wrong-tile reports.
type Report struct {
	Chart      string      `json:"chart"`
	Zoom       int         `json:"zoom"`
	Col        int         `json:"col"`
	Row        int         `json:"row"`
	Strict     bool        `json:"strict_bounds"`
	Candidates []Candidate `json:"candidates"`
	WinnerID   string      `json:"winner,omitempty"`
}

// ResolveTile picks and returns the best tile across the chart's
// installed packages. ok=false is the definitive "no data here" answer;
// err is reserved for not being able to resolve at all.
func (r *Resolver) ResolveTile(ctx context.Context, chart string, zoom, col, row int) (mbtiles.Result, bool, error) {
	start := time.Now()
	rep, res, err := r.resolve(ctx, chart, zoom, col, row)
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case rep.WinnerID == "":
		outcome = "empty"
	}
	observability.ObserveResolve(chart, outcome, time.Since(start).Seconds())
	if err != nil {
		return mbtiles.Result{}, false, err
	}
	if rep.WinnerID == "" {
		return mbtiles.Result{}, false, nil
	}
	return res, true, nil
}

// Explain runs the same resolution and returns the full report instead
// of the winning bytes. Behavior-neutral by construction: it shares
// resolve with ResolveTile.
func (r *Resolver) Explain(ctx context.Context, chart string, zoom, col, row int) (Report, error) {
	rep, _, err := r.resolve(ctx, chart, zoom, col, row)
	return rep, err
}

func (r *Resolver) resolve(ctx context.Context, chart string, zoom, col, row int) (Report, mbtiles.Result, error) {
	rep := Report{
		Chart:      chart,
		Zoom:       zoom,
		Col:        col,
		Row:        row,
		Strict:     r.opts.StrictBounds,
		Candidates: []Candidate{},
	}

	tile, err := tilegeom.At(zoom, col, row)
	if err != nil {
		return rep, mbtiles.Result{}, err
	}
	entries, err := r.catalog.Chart(ctx, chart)
	if err != nil {
		return rep, mbtiles.Result{}, fmt.Errorf("list packages for %s: %w", chart, err)
	}
	if len(entries) == 0 {
		return rep, mbtiles.Result{}, nil
	}

	// one lookup per candidate package, in parallel; a single package's
	// failure must not fail the request
	results := make([]mbtiles.Result, len(entries))
	lookupErrs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], lookupErrs[i] = r.cache.Tile(ctx, entries[i].ID, zoom, col, row)
		}(i)
	}
	wg.Wait()

	tileBounds := tilegeom.Bounds(tile)
	center := tilegeom.Center(tile)

	cands := make([]Candidate, len(entries))
	best := -1
	var bestRes mbtiles.Result
	for i, e := range entries {
		c := &cands[i]
		c.PackageID = e.ID
		if lookupErrs[i] != nil {
			if errors.Is(lookupErrs[i], mbtiles.ErrNoTile) {
				c.Discarded = "no-tile"
			} else {
				c.Err = lookupErrs[i].Error()
				c.Discarded = "error"
				observability.IncRejection("error")
				r.log.Warn().Str("package", e.ID).Err(lookupErrs[i]).Msg("candidate lookup failed")
			}
			continue
		}
		c.HasTile = true

		bounds := e.Bounds
		if bounds != nil {
			c.BoundsSource = "store"
		} else if b, ok := r.cache.DeclaredBounds(e.ID); ok {
			// manifest shipped no bounds; the database's own metadata is
			// the next best word
			bounds = &b
			c.BoundsSource = "package"
		}

		if bounds != nil {
			c.Overlap = tilegeom.OverlapRatio(tileBounds, *bounds, r.opts.Tolerance)
			c.Margin = tilegeom.MarginScore(center, *bounds)
			if r.opts.StrictBounds && !tilegeom.Contains(*bounds, center, r.opts.Tolerance) {
				c.RejectedByBounds = true
				c.Discarded = "bounds"
				observability.IncRejection("bounds")
				continue
			}
			if r.opts.MinOverlap > 0 && c.Overlap < r.opts.MinOverlap {
				c.Discarded = "overlap"
				observability.IncRejection("overlap")
				continue
			}
			if r.opts.MinMargin > 0 && c.Margin < r.opts.MinMargin {
				c.Discarded = "margin"
				observability.IncRejection("margin")
				continue
			}
		}

		if best == -1 || beats(c, &cands[best]) {
			best = i
			bestRes = results[i]
		}
	}

	if best >= 0 {
		cands[best].Winner = true
		rep.WinnerID = cands[best].PackageID
	}
	rep.Candidates = cands
	return rep, bestRes, nil
}

// beats orders survivors: higher overlap, then higher margin. Strictly
// greater on both legs keeps the earlier (lower) package id on full
// ties, and entries arrive id-sorted, so selection is reproducible.
func beats(a, b *Candidate) bool {
	if a.Overlap != b.Overlap {
		return a.Overlap > b.Overlap
	}
	return a.Margin > b.Margin
}
