// Package tilegeom holds the pure tile-coordinate geometry used when
// selecting between overlapping chart packages. No state, no I/O.
package tilegeom

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level a request may address. Raster chart
// packages in the wild top out well below this.
const MaxZoom = 22

// At builds a tile from web-scheme coordinates (row grows southward),
// rejecting anything outside the addressable range.
func At(zoom, col, row int) (maptile.Tile, error) {
	if !Valid(zoom, col, row) {
		return maptile.Tile{}, fmt.Errorf("invalid tile coordinate z=%d x=%d y=%d", zoom, col, row)
	}
	return maptile.New(uint32(col), uint32(row), maptile.Zoom(zoom)), nil
}

func Valid(zoom, col, row int) bool {
	if zoom < 0 || zoom > MaxZoom {
		return false
	}
	n := 1 << uint(zoom)
	return col >= 0 && col < n && row >= 0 && row < n
}

// Bounds returns the tile's geographic bounds in degrees, from the exact
// Web-Mercator formula.
func Bounds(t maptile.Tile) orb.Bound {
	return t.Bound()
}

// Center returns the tile's geographic midpoint in degrees.
func Center(t maptile.Tile) orb.Point {
	return t.Bound().Center()
}

// FlipRow converts between the web row scheme (north origin) and the
// scheme stored inside a tile database (south origin). The conversion is
// its own inverse.
func FlipRow(zoom, row int) int {
	return (1 << uint(zoom)) - 1 - row
}

// MarginScore is the minimum distance in degrees from the point to any of
// the four edges of b. Positive means inside; larger means further from
// every edge.
func MarginScore(p orb.Point, b orb.Bound) float64 {
	return math.Min(
		math.Min(p[0]-b.Min[0], b.Max[0]-p[0]),
		math.Min(p[1]-b.Min[1], b.Max[1]-p[1]),
	)
}

// Contains reports whether p lies within b padded outward by tolerance
// degrees, so that tiles straddling a declared edge are not rejected.
func Contains(b orb.Bound, p orb.Point, tolerance float64) bool {
	if tolerance > 0 {
		b = b.Pad(tolerance)
	}
	return b.Contains(p)
}

// OverlapRatio is the area of the intersection between tile and cover,
// divided by the tile's own area, clamped to [0,1]. The cover is padded by
// tolerance degrees first. A zero-area intersection (or a degenerate tile)
// yields 0.
func OverlapRatio(tile, cover orb.Bound, tolerance float64) float64 {
	if tolerance > 0 {
		cover = cover.Pad(tolerance)
	}
	tileArea := area(tile)
	if tileArea <= 0 {
		return 0
	}
	w := math.Min(tile.Max[0], cover.Max[0]) - math.Max(tile.Min[0], cover.Min[0])
	h := math.Min(tile.Max[1], cover.Max[1]) - math.Max(tile.Min[1], cover.Min[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	r := (w * h) / tileArea
	if r > 1 {
		return 1
	}
	return r
}

func area(b orb.Bound) float64 {
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
}

// ParseBounds parses a declared-coverage string "minLng,minLat,maxLng,maxLat".
// Package manifests are not always trustworthy, so anything malformed or out
// of range is an error; callers degrade to "no declared bounds".
func ParseBounds(s string) (orb.Bound, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 4 {
		return orb.Bound{}, errors.New("expected 4 comma-separated values: minLng,minLat,maxLng,maxLat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		vals[i] = f
	}
	minLng, minLat, maxLng, maxLat := vals[0], vals[1], vals[2], vals[3]
	if !(minLng >= -180 && minLng <= 180 && maxLng >= -180 && maxLng <= 180) {
		return orb.Bound{}, errors.New("longitude must be in [-180,180]")
	}
	if !(minLat >= -90 && minLat <= 90 && maxLat >= -90 && maxLat <= 90) {
		return orb.Bound{}, errors.New("latitude must be in [-90,90]")
	}
	if maxLng <= minLng || maxLat <= minLat {
		return orb.Bound{}, errors.New("bounds must satisfy maxLng>minLng and maxLat>minLat")
	}
	return orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{maxLng, maxLat},
	}, nil
}

// FormatBounds renders b in the same "minLng,minLat,maxLng,maxLat" form
// ParseBounds accepts.
func FormatBounds(b orb.Bound) string {
	return fmt.Sprintf("%.8f,%.8f,%.8f,%.8f", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}
