// Package mbtiles opens chart packages as in-memory SQLite databases and
// serves single tiles out of them. A handle cache bounds how many
// packages sit deserialized in memory at once.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"

	"github.com/efbtools/chartstore/internal/tilegeom"
)

// ErrNoTile means the package is healthy but holds no tile at that
// address.
var ErrNoTile = errors.New("mbtiles: no such tile")

// TileDB is one package deserialized into an in-memory SQLite database.
// Every query runs on the single pinned connection: the deserialized
// pages live on that connection, and a second one would see an empty
// database.
type TileDB struct {
	id   string
	size int64

	bounds  *orb.Bound
	minZoom int
	maxZoom int
	hasZoom bool

	mu     sync.Mutex
	db     *sql.DB
	conn   *sql.Conn
	closed bool
}

// Open deserializes data into memory and reads the metadata table. The id
// only appears in errors and logs.
func Open(ctx context.Context, id string, data []byte) (*TileDB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("mbtiles: open %s: %w", id, err)
	}
	// one connection, acquired before any query, or the pool would hand
	// out fresh empty :memory: databases
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtiles: connect %s: %w", id, err)
	}
	if err := conn.Raw(func(raw any) error {
		sc, ok := raw.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("driver connection is %T, not sqlite3", raw)
		}
		return sc.Deserialize(data, "")
	}); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("mbtiles: deserialize %s: %w", id, err)
	}

	// deserialize accepts arbitrary bytes; a probe query surfaces garbage
	// now instead of on the first lookup
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("mbtiles: %s is not a tile database: %w", id, err)
	}

	t := &TileDB{id: id, size: int64(len(data)), db: db, conn: conn}
	t.readMetadata(ctx)
	return t, nil
}

// readMetadata tolerates a missing or partial metadata table. A package
// that declares nothing is still servable, it just cannot participate in
// bounds scoring.
func (t *TileDB) readMetadata(ctx context.Context) {
	rows, err := t.conn.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			continue
		}
		meta[name] = value
	}
	if s, ok := meta["bounds"]; ok {
		if b, err := tilegeom.ParseBounds(s); err == nil {
			t.bounds = &b
		}
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(meta["minzoom"]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(meta["maxzoom"]))
	if err1 == nil && err2 == nil && lo <= hi {
		t.minZoom, t.maxZoom, t.hasZoom = lo, hi, true
	}
}

// Tile returns the raw tile at web coordinates (row grows southward from
// the caller's point of view). Stored rows use the south origin, so the
// row is flipped on the way in.
func (t *TileDB) Tile(ctx context.Context, zoom, col, row int) ([]byte, error) {
	if !tilegeom.Valid(zoom, col, row) {
		return nil, fmt.Errorf("%w: %s z=%d x=%d y=%d out of range", ErrNoTile, t.id, zoom, col, row)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("mbtiles: %s: handle closed", t.id)
	}
	var data []byte
	err := t.conn.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		zoom, col, tilegeom.FlipRow(zoom, row),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s z=%d x=%d y=%d", ErrNoTile, t.id, zoom, col, row)
	}
	if err != nil {
		return nil, fmt.Errorf("mbtiles: query %s: %w", t.id, err)
	}
	return data, nil
}

func (t *TileDB) ID() string { return t.id }

// Size is the byte size of the deserialized image, i.e. what this handle
// costs to keep open.
func (t *TileDB) Size() int64 { return t.size }

// Bounds returns the coverage declared in the database's own metadata
// table, when present.
func (t *TileDB) Bounds() (orb.Bound, bool) {
	if t.bounds == nil {
		return orb.Bound{}, false
	}
	return *t.bounds, true
}

// ZoomRange returns the declared zoom range, when present.
func (t *TileDB) ZoomRange() (lo, hi int, ok bool) {
	return t.minZoom, t.maxZoom, t.hasZoom
}

// Close releases the in-memory copy. Safe to call twice; an in-flight
// Tile finishes first.
func (t *TileDB) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	cerr := t.conn.Close()
	derr := t.db.Close()
	if cerr != nil {
		return cerr
	}
	return derr
}
