package mbtiles

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"

	"github.com/efbtools/chartstore/internal/tilegeom"
)

// Builder assembles a tile database image, for the packaging tool and for
// test fixtures. Not safe for concurrent use.
type Builder struct {
	meta  map[string]string
	tiles []builderTile
}

type builderTile struct {
	zoom, col, row int // stored row, south origin
	data           []byte
}

func NewBuilder() *Builder {
	return &Builder{meta: make(map[string]string)}
}

func (b *Builder) SetMetadata(name, value string) {
	b.meta[name] = value
}

func (b *Builder) SetBounds(bounds orb.Bound) {
	b.meta["bounds"] = tilegeom.FormatBounds(bounds)
}

func (b *Builder) SetZoomRange(lo, hi int) {
	b.meta["minzoom"] = fmt.Sprintf("%d", lo)
	b.meta["maxzoom"] = fmt.Sprintf("%d", hi)
}

// AddTile takes web coordinates (row grows southward) and stores the
// flipped row, matching what Open expects to read back.
func (b *Builder) AddTile(zoom, col, row int, data []byte) {
	b.tiles = append(b.tiles, builderTile{
		zoom: zoom,
		col:  col,
		row:  tilegeom.FlipRow(zoom, row),
		data: data,
	})
}

// Bytes serializes the assembled database, ready to feed to Open or to
// package into an archive.
func (b *Builder) Bytes(ctx context.Context) ([]byte, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("mbtiles: builder open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: builder connect: %w", err)
	}
	defer conn.Close()

	if err := b.fill(ctx, conn); err != nil {
		return nil, err
	}

	var out []byte
	if err := conn.Raw(func(raw any) error {
		sc, ok := raw.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("driver connection is %T, not sqlite3", raw)
		}
		var serr error
		out, serr = sc.Serialize("")
		return serr
	}); err != nil {
		return nil, fmt.Errorf("mbtiles: serialize: %w", err)
	}
	return out, nil
}

// WriteFile writes the database image to path; the serialized form is the
// standard database file format.
func (b *Builder) WriteFile(ctx context.Context, path string) error {
	data, err := b.Bytes(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (b *Builder) fill(ctx context.Context, conn *sql.Conn) error {
	for _, q := range []string{
		`CREATE TABLE metadata (name TEXT, value TEXT)`,
		`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	} {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mbtiles: builder schema: %w", err)
		}
	}
	for name, value := range b.meta {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO metadata (name, value) VALUES (?, ?)`, name, value); err != nil {
			return fmt.Errorf("mbtiles: builder metadata %s: %w", name, err)
		}
	}
	for _, tl := range b.tiles {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
			tl.zoom, tl.col, tl.row, tl.data); err != nil {
			return fmt.Errorf("mbtiles: builder tile z=%d: %w", tl.zoom, err)
		}
	}
	return nil
}
