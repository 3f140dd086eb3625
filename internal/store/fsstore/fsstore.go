// Package fsstore persists packages under a local directory, one
// subdirectory per package with a meta.json commit point and numbered
// chunk files.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/efbtools/chartstore/internal/config"
	"github.com/efbtools/chartstore/internal/store"
)

func init() {
	store.Register("fs", func(_ context.Context, cfg config.Config) (store.Backend, error) {
		return New(cfg.StoreDir)
	})
}

type Backend struct {
	root string
}

func New(root string) (*Backend, error) {
	if root == "" {
		return nil, fmt.Errorf("fsstore: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: create %s: %w", root, err)
	}
	return &Backend{root: root}, nil
}

func (b *Backend) Name() string { return "fs" }
func (b *Backend) Close() error { return nil }

func (b *Backend) dir(id string) string      { return filepath.Join(b.root, id) }
func (b *Backend) metaPath(id string) string { return filepath.Join(b.root, id, "meta.json") }
func (b *Backend) chunkPath(id string, n int) string {
	return filepath.Join(b.root, id, "chunks", fmt.Sprintf("%06d.chunk", n))
}

// PutMeta writes meta.json atomically. The rename is the commit point for
// status transitions, so a crash leaves either the old or the new state.
func (b *Backend) PutMeta(_ context.Context, meta store.Metadata) error {
	dir := b.dir(meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsstore: create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("fsstore: encode meta for %s: %w", meta.ID, err)
	}
	tmp, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("fsstore: temp meta for %s: %w", meta.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsstore: write meta for %s: %w", meta.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fsstore: close meta for %s: %w", meta.ID, err)
	}
	if err := os.Rename(tmpName, b.metaPath(meta.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fsstore: commit meta for %s: %w", meta.ID, err)
	}
	return nil
}

func (b *Backend) GetMeta(_ context.Context, id string) (store.Metadata, error) {
	data, err := os.ReadFile(b.metaPath(id))
	if os.IsNotExist(err) {
		return store.Metadata{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return store.Metadata{}, fmt.Errorf("fsstore: read meta for %s: %w", id, err)
	}
	var meta store.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return store.Metadata{}, fmt.Errorf("fsstore: decode meta for %s: %w", id, err)
	}
	return meta, nil
}

// ListMeta walks the root directory. Entries without a readable meta.json
// are skipped so one damaged package does not hide the rest.
func (b *Backend) ListMeta(ctx context.Context) ([]store.Metadata, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("fsstore: list %s: %w", b.root, err)
	}
	var out []store.Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := b.GetMeta(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (b *Backend) PutChunk(_ context.Context, id string, n int, data []byte) error {
	path := b.chunkPath(id, n)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fsstore: create chunk dir for %s: %w", id, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("fsstore: write chunk %d of %s: %w", n, id, err)
	}
	return nil
}

func (b *Backend) GetChunks(_ context.Context, id string, count int) ([][]byte, error) {
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		data, err := os.ReadFile(b.chunkPath(id, i))
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s chunk %d", store.ErrMissingChunk, id, i)
		}
		if err != nil {
			return nil, fmt.Errorf("fsstore: read chunk %d of %s: %w", i, id, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func (b *Backend) DeleteAll(_ context.Context, id string) error {
	if err := os.RemoveAll(b.dir(id)); err != nil {
		return fmt.Errorf("fsstore: delete %s: %w", id, err)
	}
	return nil
}
