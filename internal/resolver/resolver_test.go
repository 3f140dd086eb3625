package resolver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/mbtiles"
	"github.com/efbtools/chartstore/internal/store"
	"github.com/efbtools/chartstore/internal/store/fsstore"
	"github.com/efbtools/chartstore/internal/tilegeom"
)

// The Santos approach area: two installed packages whose coverage
// overlaps around (-46.52, -23.55), one nested deeper inside the other.
var (
	coverA = orb.Bound{Min: orb.Point{-46.7, -23.7}, Max: orb.Point{-46.5, -23.5}}
	coverB = orb.Bound{Min: orb.Point{-46.55, -23.6}, Max: orb.Point{-46.3, -23.4}}
	// far coverage that shares no territory with the request
	coverFar = orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{11, 11}}
)

func requestTile(t *testing.T) (zoom, col, row int) {
	t.Helper()
	wt := maptile.At(orb.Point{-46.52, -23.55}, 15)
	return 15, int(wt.X), int(wt.Y)
}

func pngTile(tag byte) []byte {
	return append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, tag)
}

func defaultOptions() Options {
	return Options{StrictBounds: true, Tolerance: 1e-4, MinOverlap: 0.02}
}

type stack struct {
	root    string
	backend *fsstore.Backend
	store   *store.Store
	catalog *catalog.Catalog
	cache   *mbtiles.Cache
}

func newStack(t *testing.T) *stack {
	t.Helper()
	root := t.TempDir()
	backend, err := fsstore.New(root)
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	st := store.New(backend, 1<<20)
	cat := catalog.New(st, zerolog.Nop(), time.Minute)
	cache, err := mbtiles.NewCache(mbtiles.CacheConfig{Size: 8, RetryDelay: 2 * time.Millisecond}, st.Get, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(cache.Close)
	cat.SetEvictor(cache)
	return &stack{root: root, backend: backend, store: st, catalog: cat, cache: cache}
}

func (s *stack) resolver(opts Options) *Resolver {
	return New(s.catalog, s.cache, opts, zerolog.Nop())
}

// install writes a complete package whose database holds the given
// tiles. A zero bound leaves the package boundless in the listing.
func (s *stack) install(t *testing.T, id, chart string, cover orb.Bound, build func(*mbtiles.Builder)) {
	t.Helper()
	b := mbtiles.NewBuilder()
	if !cover.Min.Equal(orb.Point{}) || !cover.Max.Equal(orb.Point{}) {
		b.SetBounds(cover)
	}
	build(b)
	data, err := b.Bytes(context.Background())
	if err != nil {
		t.Fatalf("build package %s: %v", id, err)
	}
	meta := store.Metadata{ID: id, Chart: chart, Cycle: "2609"}
	if !cover.Min.Equal(orb.Point{}) || !cover.Max.Equal(orb.Point{}) {
		meta.Bounds = tilegeom.FormatBounds(cover)
	}
	if _, err := s.store.Put(context.Background(), meta, bytes.NewReader(data)); err != nil {
		t.Fatalf("install %s: %v", id, err)
	}
	s.catalog.Invalidate()
}

func candidate(t *testing.T, rep Report, id string) Candidate {
	t.Helper()
	for _, c := range rep.Candidates {
		if c.PackageID == id {
			return c
		}
	}
	t.Fatalf("candidate %s not in report %+v", id, rep)
	return Candidate{}
}

func TestMarginBreaksTieBetweenNestedCoverage(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "sbsp-a", "SBSP", coverA, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('a'))
	})
	s.install(t, "sbsp-b", "SBSP", coverB, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('b'))
	})
	r := s.resolver(defaultOptions())

	res, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil || !ok {
		t.Fatalf("ResolveTile: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(res.Data, pngTile('b')) {
		t.Fatalf("tile served from the wrong package")
	}

	rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if rep.WinnerID != "sbsp-b" {
		t.Fatalf("winner = %q, want sbsp-b", rep.WinnerID)
	}
	a, b := candidate(t, rep, "sbsp-a"), candidate(t, rep, "sbsp-b")
	if !a.HasTile || !b.HasTile {
		t.Fatalf("both packages hold the tile: a=%+v b=%+v", a, b)
	}
	// the tile sits fully inside both covers, so overlap cannot split them
	if a.Overlap != 1 || b.Overlap != 1 {
		t.Fatalf("overlaps = %v, %v, want 1, 1", a.Overlap, b.Overlap)
	}
	if b.Margin <= a.Margin {
		t.Fatalf("margin should favor the deeper cover: a=%v b=%v", a.Margin, b.Margin)
	}
	if !b.Winner || a.Winner {
		t.Fatalf("winner flags wrong: a=%v b=%v", a.Winner, b.Winner)
	}
}

func TestResolutionIsDeterministic(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	// identical coverage and content, so every ranking leg ties
	for _, id := range []string{"dup-b", "dup-a", "dup-c"} {
		s.install(t, id, "SBSP", coverA, func(b *mbtiles.Builder) {
			b.AddTile(zoom, col, row, pngTile(id[len(id)-1]))
		})
	}
	r := s.resolver(defaultOptions())

	for i := 0; i < 20; i++ {
		res, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
		if err != nil || !ok {
			t.Fatalf("iteration %d: ok=%v err=%v", i, ok, err)
		}
		if !bytes.Equal(res.Data, pngTile('a')) {
			t.Fatalf("iteration %d: winner drifted off the lowest package id", i)
		}
	}
}

func TestStrictBoundsRejectCandidateOutsideCoverage(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	// far-pkg carries a record for the same coordinates even though its
	// declared coverage is an ocean away; it must never win
	s.install(t, "far-pkg", "SBSP", coverFar, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('f'))
	})
	s.install(t, "local-pkg", "SBSP", coverA, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('l'))
	})
	r := s.resolver(defaultOptions())

	res, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil || !ok {
		t.Fatalf("ResolveTile: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(res.Data, pngTile('l')) {
		t.Fatalf("out-of-coverage package won")
	}

	rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	far := candidate(t, rep, "far-pkg")
	if !far.HasTile || !far.RejectedByBounds || far.Discarded != "bounds" {
		t.Fatalf("far candidate = %+v, want bounds rejection", far)
	}
}

func TestOutOfCoverageAloneResolvesEmpty(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "far-pkg", "SBSP", coverFar, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('f'))
	})
	r := s.resolver(defaultOptions())

	_, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("empty must be definitive, not an error: %v", err)
	}
	if ok {
		t.Fatalf("tile served from outside its package coverage")
	}
}

func TestBoundlessPackageAlwaysEligible(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "no-bounds", "SBSP", orb.Bound{}, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('n'))
	})

	for _, strict := range []bool{true, false} {
		opts := defaultOptions()
		opts.StrictBounds = strict
		res, ok, err := s.resolver(opts).ResolveTile(context.Background(), "SBSP", zoom, col, row)
		if err != nil || !ok {
			t.Fatalf("strict=%v: ok=%v err=%v", strict, ok, err)
		}
		if !bytes.Equal(res.Data, pngTile('n')) {
			t.Fatalf("strict=%v: wrong tile", strict)
		}
	}
}

func TestThresholdsApplyWhenStrictDisabled(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "far-pkg", "SBSP", coverFar, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('f'))
	})

	lax := Options{StrictBounds: false, Tolerance: 1e-4, MinOverlap: 0.02}
	_, ok, err := s.resolver(lax).ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("ResolveTile: %v", err)
	}
	if ok {
		t.Fatalf("zero-overlap candidate survived the overlap threshold")
	}
	rep, err := s.resolver(lax).Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if c := candidate(t, rep, "far-pkg"); c.Discarded != "overlap" {
		t.Fatalf("discarded = %q, want overlap", c.Discarded)
	}

	// with thresholds off too, lax mode really does serve anything present
	wideOpen := Options{StrictBounds: false, Tolerance: 1e-4}
	res, ok, err := s.resolver(wideOpen).ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil || !ok {
		t.Fatalf("ResolveTile: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(res.Data, pngTile('f')) {
		t.Fatalf("wrong tile in wide-open mode")
	}
}

func TestMinOverlapDiscardsGrazingCoverage(t *testing.T) {
	zoom, col, row := requestTile(t)
	tile, err := tilegeom.At(zoom, col, row)
	if err != nil {
		t.Fatal(err)
	}
	center := tilegeom.Center(tile)
	// a strip that contains the tile center but covers a hair of its area
	strip := orb.Bound{
		Min: orb.Point{center[0] - 0.1, center[1] - 0.00005},
		Max: orb.Point{center[0] + 0.1, center[1] + 0.00005},
	}

	s := newStack(t)
	s.install(t, "strip-pkg", "SBSP", strip, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('s'))
	})
	r := s.resolver(Options{StrictBounds: true, MinOverlap: 0.02})

	_, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("ResolveTile: %v", err)
	}
	if ok {
		t.Fatalf("grazing coverage survived the overlap threshold")
	}
	rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	c := candidate(t, rep, "strip-pkg")
	if c.RejectedByBounds {
		t.Fatalf("center is inside the strip, bounds should pass: %+v", c)
	}
	if c.Discarded != "overlap" {
		t.Fatalf("discarded = %q, want overlap", c.Discarded)
	}
}

func TestMinMarginDiscardsShallowContainment(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "sbsp-a", "SBSP", coverA, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('a'))
	})
	s.install(t, "sbsp-b", "SBSP", coverB, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('b'))
	})
	opts := defaultOptions()
	opts.MinMargin = 0.025 // between the two packages' center margins
	r := s.resolver(opts)

	res, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil || !ok {
		t.Fatalf("ResolveTile: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(res.Data, pngTile('b')) {
		t.Fatalf("shallow candidate won past the margin threshold")
	}
	rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if c := candidate(t, rep, "sbsp-a"); c.Discarded != "margin" {
		t.Fatalf("discarded = %q, want margin", c.Discarded)
	}
}

func TestDownloadingPackageIsNotACandidate(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "ready-pkg", "SBSP", coverA, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('r'))
	})
	// a transfer caught mid-flight: metadata present, no usable payload
	err := s.backend.PutMeta(context.Background(), store.Metadata{
		ID:     "half-pkg",
		Chart:  "SBSP",
		Status: store.StatusDownloading,
		Bounds: tilegeom.FormatBounds(coverA),
	})
	if err != nil {
		t.Fatalf("PutMeta: %v", err)
	}
	s.catalog.Invalidate()
	r := s.resolver(defaultOptions())

	rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(rep.Candidates) != 1 || rep.Candidates[0].PackageID != "ready-pkg" {
		t.Fatalf("candidates = %+v, want ready-pkg alone", rep.Candidates)
	}
	if rep.WinnerID != "ready-pkg" {
		t.Fatalf("winner = %q", rep.WinnerID)
	}
}

func TestEmptyChartIsDefinitive(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	r := s.resolver(defaultOptions())

	_, ok, err := r.ResolveTile(context.Background(), "NOPE", zoom, col, row)
	if err != nil {
		t.Fatalf("no packages is an empty answer, not an error: %v", err)
	}
	if ok {
		t.Fatalf("served a tile for a chart with no packages")
	}
	rep, err := r.Explain(context.Background(), "NOPE", zoom, col, row)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(rep.Candidates) != 0 || rep.WinnerID != "" {
		t.Fatalf("report = %+v, want empty", rep)
	}
}

func TestBoundsFallBackToPackageMetadata(t *testing.T) {
	zoom, col, row := requestTile(t)

	t.Run("accepts", func(t *testing.T) {
		s := newStack(t)
		// listing carries no bounds; the database's own metadata does
		b := mbtiles.NewBuilder()
		b.SetBounds(coverA)
		b.AddTile(zoom, col, row, pngTile('m'))
		data, err := b.Bytes(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.store.Put(context.Background(), store.Metadata{ID: "meta-pkg", Chart: "SBSP"}, bytes.NewReader(data)); err != nil {
			t.Fatal(err)
		}
		s.catalog.Invalidate()
		r := s.resolver(defaultOptions())

		res, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
		if err != nil || !ok {
			t.Fatalf("ResolveTile: ok=%v err=%v", ok, err)
		}
		if !bytes.Equal(res.Data, pngTile('m')) {
			t.Fatalf("wrong tile")
		}
		rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
		if err != nil {
			t.Fatal(err)
		}
		if c := candidate(t, rep, "meta-pkg"); c.BoundsSource != "package" {
			t.Fatalf("bounds source = %q, want package", c.BoundsSource)
		}
	})

	t.Run("rejects", func(t *testing.T) {
		s := newStack(t)
		b := mbtiles.NewBuilder()
		b.SetBounds(coverFar)
		b.AddTile(zoom, col, row, pngTile('x'))
		data, err := b.Bytes(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.store.Put(context.Background(), store.Metadata{ID: "stray-pkg", Chart: "SBSP"}, bytes.NewReader(data)); err != nil {
			t.Fatal(err)
		}
		s.catalog.Invalidate()
		r := s.resolver(defaultOptions())

		_, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("package-declared bounds should reject just like listed ones")
		}
		rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
		if err != nil {
			t.Fatal(err)
		}
		c := candidate(t, rep, "stray-pkg")
		if c.BoundsSource != "package" || !c.RejectedByBounds {
			t.Fatalf("candidate = %+v, want package-sourced bounds rejection", c)
		}
	})
}

func TestLookupFailureDoesNotFailResolution(t *testing.T) {
	zoom, col, row := requestTile(t)
	s := newStack(t)
	s.install(t, "bad-pkg", "SBSP", coverA, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('x'))
	})
	s.install(t, "good-pkg", "SBSP", coverA, func(b *mbtiles.Builder) {
		b.AddTile(zoom, col, row, pngTile('g'))
	})
	// rot bad-pkg's stored payload so every fetch fails verification
	chunk := filepath.Join(s.root, "bad-pkg", "chunks", "000000.chunk")
	data, err := os.ReadFile(chunk)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(chunk, data, 0o644); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	r := s.resolver(defaultOptions())

	res, ok, err := r.ResolveTile(context.Background(), "SBSP", zoom, col, row)
	if err != nil || !ok {
		t.Fatalf("one rotten package took down the request: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(res.Data, pngTile('g')) {
		t.Fatalf("wrong tile")
	}
	rep, err := r.Explain(context.Background(), "SBSP", zoom, col, row)
	if err != nil {
		t.Fatal(err)
	}
	bad := candidate(t, rep, "bad-pkg")
	if bad.Discarded != "error" || bad.Err == "" {
		t.Fatalf("bad candidate = %+v, want recorded error", bad)
	}
}

func TestInvalidCoordinatesError(t *testing.T) {
	s := newStack(t)
	r := s.resolver(defaultOptions())
	if _, _, err := r.ResolveTile(context.Background(), "SBSP", tilegeom.MaxZoom+1, 0, 0); err == nil {
		t.Fatalf("zoom past the supported range must not resolve")
	}
	if _, _, err := r.ResolveTile(context.Background(), "SBSP", 3, 99, 0); err == nil {
		t.Fatalf("column outside the grid must not resolve")
	}
}
