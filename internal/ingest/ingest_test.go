package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/efbtools/chartstore/internal/mbtiles"
	"github.com/efbtools/chartstore/internal/store"
	"github.com/efbtools/chartstore/internal/store/fsstore"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	b, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	return store.New(b, 1<<10)
}

func tileDB(t *testing.T, bounds orb.Bound, tag byte) []byte {
	t.Helper()
	b := mbtiles.NewBuilder()
	b.SetBounds(bounds)
	b.SetZoomRange(5, 12)
	b.AddTile(5, 10, 12, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', tag})
	data, err := b.Bytes(context.Background())
	if err != nil {
		t.Fatalf("build tile database: %v", err)
	}
	return data
}

func craftArchive(t *testing.T, m Manifest, payload []byte) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(raw)))
	for _, chunk := range [][]byte{hdr[:n], raw, payload} {
		if _, err := zw.Write(chunk); err != nil {
			t.Fatalf("write archive: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func TestBuildInstallRoundTrip(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{-46.7, -23.7}, Max: orb.Point{-46.5, -23.5}}
	fileA := tileDB(t, bounds, 'a')
	fileB := tileDB(t, bounds, 'b')

	var buf bytes.Buffer
	err := Build(context.Background(), &buf, "SBSP", "2609", []File{
		{Name: "sbsp-a.mbtiles", PackageID: "sbsp-a", Data: fileA},
		{Name: "sbsp-b.mbtiles", PackageID: "sbsp-b", Data: fileB},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	st := newStore(t)
	installed, err := Install(context.Background(), st, &buf)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(installed) != 2 {
		t.Fatalf("installed %d packages, want 2", len(installed))
	}
	if installed[0].ID != "sbsp-a" || installed[1].ID != "sbsp-b" {
		t.Fatalf("installed order = %s, %s", installed[0].ID, installed[1].ID)
	}
	for _, meta := range installed {
		if !meta.Usable() {
			t.Fatalf("package %s not complete after install: %s", meta.ID, meta.Status)
		}
		if meta.Chart != "SBSP" || meta.Cycle != "2609" {
			t.Fatalf("package %s chart/cycle = %s/%s", meta.ID, meta.Chart, meta.Cycle)
		}
		if meta.FileName != meta.ID+".mbtiles" {
			t.Fatalf("package %s file name = %q", meta.ID, meta.FileName)
		}
		if meta.Bounds == "" {
			t.Fatalf("package %s lost its bounds", meta.ID)
		}
		if meta.MinZoom != 5 || meta.MaxZoom != 12 {
			t.Fatalf("package %s zoom range = %d..%d", meta.ID, meta.MinZoom, meta.MaxZoom)
		}
	}

	_, got, err := st.Get(context.Background(), "sbsp-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, fileB) {
		t.Fatalf("stored bytes differ from the packaged file")
	}
}

func TestInspectReadsManifest(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{-46.7, -23.7}, Max: orb.Point{-46.5, -23.5}}
	file := tileDB(t, bounds, 'a')

	var buf bytes.Buffer
	err := Build(context.Background(), &buf, "SBSP", "2609", []File{
		{Name: "sbsp-a.mbtiles", PackageID: "sbsp-a", Data: file},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m, err := Inspect(&buf)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if m.FormatVersion != FormatVersion || m.ChartID != "SBSP" || m.Cycle != "2609" {
		t.Fatalf("manifest header = %+v", m)
	}
	if len(m.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(m.Entries))
	}
	e := m.Entries[0]
	if e.Size != int64(len(file)) {
		t.Fatalf("size = %d, want %d", e.Size, len(file))
	}
	if want := fmt.Sprintf("%016x", xxhash.Sum64(file)); e.Checksum != want {
		t.Fatalf("checksum = %s, want %s", e.Checksum, want)
	}
	if e.Bounds == "" || e.MinZoom != 5 || e.MaxZoom != 12 {
		t.Fatalf("entry lost metadata: %+v", e)
	}
}

func TestInstallVerifiesChecksum(t *testing.T) {
	payload := []byte("these bytes do not hash to the declared sum")
	archive := craftArchive(t, Manifest{
		FormatVersion: FormatVersion,
		ChartID:       "SBSP",
		Cycle:         "2609",
		CreatedAt:     time.Now().UTC(),
		Entries: []ManifestEntry{{
			FileName:  "sbsp-a.mbtiles",
			PackageID: "sbsp-a",
			Size:      int64(len(payload)),
			Checksum:  "00000000deadbeef",
		}},
	}, payload)

	st := newStore(t)
	_, err := Install(context.Background(), st, bytes.NewReader(archive))
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
	// nothing may have reached the store
	metas, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("store has %d packages after a rejected archive", len(metas))
	}
}

func TestInstallRejectsUnknownVersion(t *testing.T) {
	archive := craftArchive(t, Manifest{FormatVersion: 99, ChartID: "SBSP"}, nil)
	_, err := Install(context.Background(), newStore(t), bytes.NewReader(archive))
	if !errors.Is(err, ErrVersion) {
		t.Fatalf("err = %v, want ErrVersion", err)
	}
}

func TestBuildRejectsGarbageFile(t *testing.T) {
	var buf bytes.Buffer
	err := Build(context.Background(), &buf, "SBSP", "2609", []File{
		{Name: "junk.mbtiles", PackageID: "junk", Data: []byte("not a database at all")},
	})
	if err == nil {
		t.Fatalf("Build accepted a file that is not a tile database")
	}
}

func TestBuildRejectsBadPackageID(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	var buf bytes.Buffer
	err := Build(context.Background(), &buf, "SBSP", "2609", []File{
		{Name: "evil.mbtiles", PackageID: "../evil", Data: tileDB(t, bounds, 'e')},
	})
	if err == nil {
		t.Fatalf("Build accepted a package id with a path traversal")
	}
}

func TestInstallSupersedes(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{-46.7, -23.7}, Max: orb.Point{-46.5, -23.5}}
	st := newStore(t)

	build := func(cycle string, data []byte) []byte {
		var buf bytes.Buffer
		err := Build(context.Background(), &buf, "SBSP", cycle, []File{
			{Name: "sbsp-a.mbtiles", PackageID: "sbsp-a", Data: data},
		})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return buf.Bytes()
	}
	old, want := tileDB(t, bounds, 'x'), tileDB(t, bounds, 'y')

	if _, err := Install(context.Background(), st, bytes.NewReader(build("2609", old))); err != nil {
		t.Fatalf("first install: %v", err)
	}
	if _, err := Install(context.Background(), st, bytes.NewReader(build("2610", want))); err != nil {
		t.Fatalf("second install: %v", err)
	}

	metas, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("store has %d packages, want the replacement alone", len(metas))
	}
	if metas[0].Cycle != "2610" {
		t.Fatalf("cycle = %s, want 2610", metas[0].Cycle)
	}
	_, got, err := st.Get(context.Background(), "sbsp-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("old package bytes survived the supersede")
	}
}

func TestInstallTruncatedStream(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	var buf bytes.Buffer
	err := Build(context.Background(), &buf, "SBSP", "2609", []File{
		{Name: "sbsp-a.mbtiles", PackageID: "sbsp-a", Data: tileDB(t, bounds, 'a')},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cut := buf.Bytes()[:buf.Len()/2]
	if _, err := Install(context.Background(), newStore(t), bytes.NewReader(cut)); err == nil {
		t.Fatalf("Install accepted a truncated archive")
	}
}
