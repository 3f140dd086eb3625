package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/efbtools/chartstore/internal/observability"
)

// Status tracks a package through its install lifecycle. Readers must
// ignore anything that is not StatusComplete.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

var (
	ErrNotFound     = errors.New("store: package not found")
	ErrNotComplete  = errors.New("store: package not complete")
	ErrMissingChunk = errors.New("store: missing chunk")
	ErrCorrupt      = errors.New("store: package data corrupt")
)

// Metadata describes one installed package.
type Metadata struct {
	ID         string    `json:"id"`
	Chart      string    `json:"chart"`
	Cycle      string    `json:"cycle"`
	FileName   string    `json:"file_name,omitempty"`
	Status     Status    `json:"status"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	ChunkSize  int       `json:"chunk_size"`
	Bounds     string    `json:"bounds,omitempty"`
	MinZoom    int       `json:"min_zoom"`
	MaxZoom    int       `json:"max_zoom"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Usable reports whether readers may serve tiles from this package.
func (m Metadata) Usable() bool { return m.Status == StatusComplete }

// Backend persists package metadata and content chunks. Implementations
// must tolerate concurrent readers; writers are serialized per package by
// Store.
type Backend interface {
	Name() string
	PutMeta(ctx context.Context, meta Metadata) error
	GetMeta(ctx context.Context, id string) (Metadata, error)
	ListMeta(ctx context.Context) ([]Metadata, error)
	PutChunk(ctx context.Context, id string, n int, data []byte) error
	// GetChunks returns chunks 0..count-1 in order. A gap is reported as
	// ErrMissingChunk.
	GetChunks(ctx context.Context, id string, count int) ([][]byte, error)
	DeleteAll(ctx context.Context, id string) error
	Close() error
}

// Store layers the install lifecycle over a Backend: writes go
// downloading -> chunks -> complete so a crash mid-install never leaves a
// package that readers would serve.
type Store struct {
	backend   Backend
	chunkSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

const DefaultChunkSize = 4 << 20

func New(backend Backend, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{
		backend:   backend,
		chunkSize: chunkSize,
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

func (s *Store) BackendName() string { return s.backend.Name() }

func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Put installs the content of r as package meta.ID, superseding any prior
// version. The caller fills ID, Chart, Cycle, Bounds and the zoom range;
// Put owns status, size, checksum and chunk accounting.
func (s *Store) Put(ctx context.Context, meta Metadata, r io.Reader) (Metadata, error) {
	start := time.Now()
	meta, err := s.put(ctx, meta, r)
	observability.ObserveStoreOp(s.backend.Name(), "put", err, time.Since(start).Seconds())
	return meta, err
}

func (s *Store) put(ctx context.Context, meta Metadata, r io.Reader) (Metadata, error) {
	id, err := SanitizeID(meta.ID)
	if err != nil {
		return Metadata{}, err
	}
	meta.ID = id

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := s.backend.DeleteAll(ctx, id); err != nil {
		return Metadata{}, fmt.Errorf("supersede %s: %w", id, err)
	}

	now := s.now().UTC()
	meta.Status = StatusDownloading
	meta.ChunkSize = s.chunkSize
	meta.ChunkCount = 0
	meta.Size = 0
	meta.Checksum = ""
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if err := s.backend.PutMeta(ctx, meta); err != nil {
		return Metadata{}, fmt.Errorf("put meta %s: %w", id, err)
	}

	digest := xxhash.New()
	buf := make([]byte, s.chunkSize)
	var size int64
	var chunks int
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := digest.Write(buf[:n]); err != nil {
				return Metadata{}, s.fail(ctx, meta, err)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := s.backend.PutChunk(ctx, id, chunks, chunk); err != nil {
				return Metadata{}, s.fail(ctx, meta, fmt.Errorf("put chunk %d of %s: %w", chunks, id, err))
			}
			size += int64(n)
			chunks++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return Metadata{}, s.fail(ctx, meta, fmt.Errorf("read content for %s: %w", id, rerr))
		}
	}

	meta.Status = StatusComplete
	meta.Size = size
	meta.Checksum = fmt.Sprintf("%016x", digest.Sum64())
	meta.ChunkCount = chunks
	meta.UpdatedAt = s.now().UTC()
	if err := s.backend.PutMeta(ctx, meta); err != nil {
		return Metadata{}, s.fail(ctx, meta, fmt.Errorf("finalize %s: %w", id, err))
	}
	return meta, nil
}

// fail marks the package failed so a later PurgeStalled can reclaim it.
// The mark uses a detached context: the original one is often already
// cancelled when we get here.
func (s *Store) fail(ctx context.Context, meta Metadata, err error) error {
	meta.Status = StatusFailed
	meta.UpdatedAt = s.now().UTC()
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if merr := s.backend.PutMeta(mctx, meta); merr != nil {
		return errors.Join(err, fmt.Errorf("mark failed %s: %w", meta.ID, merr))
	}
	return err
}

// Get returns the metadata and full content of a complete package. The
// content is verified against the recorded size and checksum before it is
// handed out.
func (s *Store) Get(ctx context.Context, id string) (Metadata, []byte, error) {
	start := time.Now()
	meta, data, err := s.get(ctx, id)
	observability.ObserveStoreOp(s.backend.Name(), "get", err, time.Since(start).Seconds())
	return meta, data, err
}

func (s *Store) get(ctx context.Context, id string) (Metadata, []byte, error) {
	meta, err := s.backend.GetMeta(ctx, id)
	if err != nil {
		return Metadata{}, nil, err
	}
	if !meta.Usable() {
		return meta, nil, fmt.Errorf("%w: %s is %s", ErrNotComplete, id, meta.Status)
	}
	chunks, err := s.backend.GetChunks(ctx, id, meta.ChunkCount)
	if err != nil {
		return meta, nil, err
	}
	var b bytes.Buffer
	b.Grow(int(meta.Size))
	for _, c := range chunks {
		b.Write(c)
	}
	data := b.Bytes()
	if int64(len(data)) != meta.Size {
		return meta, nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrCorrupt, id, len(data), meta.Size)
	}
	if sum := fmt.Sprintf("%016x", xxhash.Sum64(data)); sum != meta.Checksum {
		return meta, nil, fmt.Errorf("%w: %s checksum %s, want %s", ErrCorrupt, id, sum, meta.Checksum)
	}
	return meta, data, nil
}

// Meta returns the metadata of a package regardless of status.
func (s *Store) Meta(ctx context.Context, id string) (Metadata, error) {
	return s.backend.GetMeta(ctx, id)
}

// List returns metadata for every known package, including incomplete
// ones. Callers filter with Usable.
func (s *Store) List(ctx context.Context) ([]Metadata, error) {
	start := time.Now()
	metas, err := s.backend.ListMeta(ctx)
	observability.ObserveStoreOp(s.backend.Name(), "list", err, time.Since(start).Seconds())
	return metas, err
}

// Delete removes a package and all its chunks. Deleting a package that
// does not exist is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	l := s.lock(id)
	l.Lock()
	err := s.backend.DeleteAll(ctx, id)
	l.Unlock()
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	observability.ObserveStoreOp(s.backend.Name(), "delete", err, time.Since(start).Seconds())
	return err
}

// PurgeStalled removes packages stuck in downloading or failed whose last
// update is older than olderThan, and returns their ids.
func (s *Store) PurgeStalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	metas, err := s.backend.ListMeta(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan)
	var purged []string
	for _, m := range metas {
		if m.Usable() || m.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, m.ID); err != nil {
			return purged, fmt.Errorf("purge %s: %w", m.ID, err)
		}
		purged = append(purged, m.ID)
	}
	return purged, nil
}
