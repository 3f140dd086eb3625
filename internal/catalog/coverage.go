package catalog

import (
	"fmt"
	"sort"

	"github.com/uber/h3-go/v4"
)

// Cells returns the sorted H3 cell set at res covering the union of the
// entries' declared bounds. Boundless entries contribute nothing; the
// caller decides whether that matters.
func Cells(entries []Entry, res int) ([]string, error) {
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.Bounds == nil {
			continue
		}
		b := *e.Bounds
		loop := h3.GeoLoop{
			h3.NewLatLng(b.Min[1], b.Min[0]),
			h3.NewLatLng(b.Min[1], b.Max[0]),
			h3.NewLatLng(b.Max[1], b.Max[0]),
			h3.NewLatLng(b.Max[1], b.Min[0]),
		}
		cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
		if err != nil {
			return nil, fmt.Errorf("catalog: cells for %s: %w", e.ID, err)
		}
		if len(cells) == 0 {
			// bound smaller than one cell: fall back to its center
			center := b.Center()
			cell, err := h3.LatLngToCell(h3.NewLatLng(center[1], center[0]), res)
			if err != nil {
				return nil, fmt.Errorf("catalog: center cell for %s: %w", e.ID, err)
			}
			cells = []h3.Cell{cell}
		}
		for _, c := range cells {
			seen[c.String()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
