// Package ingest reads and writes chart package archives, the unit of
// distribution between the packaging tool and a device's store.
//
// An archive is one zstd stream framed as
//
//	uvarint manifest length | msgpack manifest | file bytes in manifest order
//
// The explicit lengths let the installer walk the stream without
// trusting the decompressor to delimit anything.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/efbtools/chartstore/internal/mbtiles"
	"github.com/efbtools/chartstore/internal/store"
	"github.com/efbtools/chartstore/internal/tilegeom"
)

const (
	// FormatVersion is bumped on any incompatible framing or manifest
	// change; installers refuse versions they do not know.
	FormatVersion = 1

	maxManifestLen = 16 << 20
	maxEntrySize   = 4 << 30

	installWorkers = 4
)

var (
	ErrChecksum = errors.New("ingest: checksum mismatch")
	ErrVersion  = errors.New("ingest: unsupported archive version")
)

type ManifestEntry struct {
	FileName  string `msgpack:"file_name" json:"file_name"`
	PackageID string `msgpack:"package_id" json:"package_id"`
	Size      int64  `msgpack:"size" json:"size"`
	Bounds    string `msgpack:"bounds,omitempty" json:"bounds,omitempty"`
	MinZoom   int    `msgpack:"min_zoom" json:"min_zoom"`
	MaxZoom   int    `msgpack:"max_zoom" json:"max_zoom"`
	Checksum  string `msgpack:"checksum" json:"checksum"`
}

type Manifest struct {
	FormatVersion int             `msgpack:"format_version" json:"format_version"`
	ChartID       string          `msgpack:"chart_id" json:"chart_id"`
	Cycle         string          `msgpack:"cycle" json:"cycle"`
	CreatedAt     time.Time       `msgpack:"created_at" json:"created_at"`
	Entries       []ManifestEntry `msgpack:"entries" json:"entries"`
}

// File is one tile database going into an archive.
type File struct {
	Name      string
	PackageID string
	Data      []byte
}

// Build writes an archive for one chart cycle. Every file is opened as
// a tile database first, which both validates it and lifts its declared
// bounds and zoom range into the manifest.
func Build(ctx context.Context, w io.Writer, chartID, cycle string, files []File) error {
	if chartID == "" {
		return fmt.Errorf("ingest: empty chart id")
	}
	if len(files) == 0 {
		return fmt.Errorf("ingest: archive needs at least one file")
	}

	m := Manifest{
		FormatVersion: FormatVersion,
		ChartID:       chartID,
		Cycle:         cycle,
		CreatedAt:     time.Now().UTC(),
		Entries:       make([]ManifestEntry, 0, len(files)),
	}
	for _, f := range files {
		id, err := store.SanitizeID(f.PackageID)
		if err != nil {
			return fmt.Errorf("ingest: %s: %w", f.Name, err)
		}
		db, err := mbtiles.Open(ctx, id, f.Data)
		if err != nil {
			return fmt.Errorf("ingest: %s: %w", f.Name, err)
		}
		e := ManifestEntry{
			FileName:  f.Name,
			PackageID: id,
			Size:      int64(len(f.Data)),
			Checksum:  fmt.Sprintf("%016x", xxhash.Sum64(f.Data)),
		}
		if b, ok := db.Bounds(); ok {
			e.Bounds = tilegeom.FormatBounds(b)
		}
		if lo, hi, ok := db.ZoomRange(); ok {
			e.MinZoom, e.MaxZoom = lo, hi
		}
		db.Close()
		m.Entries = append(m.Entries, e)
	}

	raw, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("ingest: encode manifest: %w", err)
	}
	if len(raw) > maxManifestLen {
		return fmt.Errorf("ingest: manifest of %d bytes exceeds limit", len(raw))
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(raw)))
	if _, err := zw.Write(hdr[:n]); err != nil {
		zw.Close()
		return fmt.Errorf("ingest: write manifest header: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return fmt.Errorf("ingest: write manifest: %w", err)
	}
	for _, f := range files {
		if _, err := zw.Write(f.Data); err != nil {
			zw.Close()
			return fmt.Errorf("ingest: write %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

func readManifest(br *bufio.Reader) (Manifest, error) {
	var m Manifest
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return m, fmt.Errorf("ingest: read manifest header: %w", err)
	}
	if n == 0 || n > maxManifestLen {
		return m, fmt.Errorf("ingest: implausible manifest length %d", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(br, raw); err != nil {
		return m, fmt.Errorf("ingest: read manifest: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("ingest: decode manifest: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return m, fmt.Errorf("%w: %d", ErrVersion, m.FormatVersion)
	}
	return m, nil
}

// Inspect decodes only the manifest. The file payload is left on the
// stream unread.
func Inspect(r io.Reader) (Manifest, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("ingest: %w", err)
	}
	defer zr.Close()
	return readManifest(bufio.NewReader(zr))
}

// Install reads an archive and writes each package into the store,
// replacing any prior package with the same id. Files are verified
// against the manifest checksum before a byte reaches the store; writes
// run a few packages deep while the stream is still being read.
func Install(ctx context.Context, st *store.Store, r io.Reader) ([]store.Metadata, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	m, err := readManifest(br)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		installed []store.Metadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installWorkers)

	for _, e := range m.Entries {
		if e.Size < 0 || e.Size > maxEntrySize {
			return nil, fmt.Errorf("ingest: entry %s: implausible size %d", e.FileName, e.Size)
		}
		data := make([]byte, e.Size)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("ingest: entry %s: %w", e.FileName, err)
		}
		if sum := fmt.Sprintf("%016x", xxhash.Sum64(data)); sum != e.Checksum {
			return nil, fmt.Errorf("%w: entry %s", ErrChecksum, e.FileName)
		}

		entry := e
		g.Go(func() error {
			meta := store.Metadata{
				ID:       entry.PackageID,
				Chart:    m.ChartID,
				Cycle:    m.Cycle,
				FileName: entry.FileName,
				Bounds:   entry.Bounds,
				MinZoom:  entry.MinZoom,
				MaxZoom:  entry.MaxZoom,
			}
			got, err := st.Put(gctx, meta, bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("ingest: install %s: %w", entry.PackageID, err)
			}
			mu.Lock()
			installed = append(installed, got)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].ID < installed[j].ID })
	return installed, nil
}
