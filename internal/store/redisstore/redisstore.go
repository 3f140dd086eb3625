// Package redisstore persists packages in redis so several chartstored
// replicas can share one installed set. Chunks are plain string values
// fetched back in a single MGET.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"

	"github.com/efbtools/chartstore/internal/config"
	"github.com/efbtools/chartstore/internal/store"
)

func init() {
	store.Register("redis", func(ctx context.Context, cfg config.Config) (store.Backend, error) {
		return New(ctx, cfg.RedisAddr)
	})
}

const keyPrefix = "chartstore:pkg:"

func metaKey(id string) string { return keyPrefix + id + ":meta" }

func chunkKey(id string, n int) string {
	return fmt.Sprintf("%s%s:chunk:%06d", keyPrefix, id, n)
}

type options struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	poolSize     int
}

type Option func(*options)

func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

func WithTimeouts(dial, read, write time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = dial
		o.readTimeout = read
		o.writeTimeout = write
	}
}

type Backend struct {
	rdb *redis.Client
}

// New connects and pings so a dead redis surfaces at startup, not on the
// first request.
func New(ctx context.Context, addr string, opts ...Option) (*Backend, error) {
	o := options{
		dialTimeout:  5 * time.Second,
		readTimeout:  3 * time.Second,
		writeTimeout: 3 * time.Second,
		poolSize:     10,
	}
	for _, opt := range opts {
		opt(&o)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  o.dialTimeout,
		ReadTimeout:  o.readTimeout,
		WriteTimeout: o.writeTimeout,
		PoolSize:     o.poolSize,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return &Backend{rdb: rdb}, nil
}

func (b *Backend) Name() string { return "redis" }
func (b *Backend) Close() error { return b.rdb.Close() }

func (b *Backend) PutMeta(ctx context.Context, meta store.Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("redisstore: encode meta for %s: %w", meta.ID, err)
	}
	if err := b.rdb.Set(ctx, metaKey(meta.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set meta for %s: %w", meta.ID, err)
	}
	return nil
}

func (b *Backend) GetMeta(ctx context.Context, id string) (store.Metadata, error) {
	data, err := b.rdb.Get(ctx, metaKey(id)).Bytes()
	if err == redis.Nil {
		return store.Metadata{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return store.Metadata{}, fmt.Errorf("redisstore: get meta for %s: %w", id, err)
	}
	var meta store.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return store.Metadata{}, fmt.Errorf("redisstore: decode meta for %s: %w", id, err)
	}
	return meta, nil
}

func (b *Backend) ListMeta(ctx context.Context) ([]store.Metadata, error) {
	iter := b.rdb.Scan(ctx, 0, keyPrefix+"*:meta", 256).Iterator()
	var out []store.Metadata
	for iter.Next(ctx) {
		data, err := b.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// deleted between scan and get
			continue
		}
		var meta store.Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scan meta: %w", err)
	}
	return out, nil
}

func (b *Backend) PutChunk(ctx context.Context, id string, n int, data []byte) error {
	if err := b.rdb.Set(ctx, chunkKey(id, n), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set chunk %d of %s: %w", n, id, err)
	}
	return nil
}

// GetChunks fetches every chunk in one MGET. Values come back aligned
// with the requested keys, nil where a key is absent.
func (b *Backend) GetChunks(ctx context.Context, id string, count int) ([][]byte, error) {
	if count == 0 {
		return nil, nil
	}
	keys := make([]string, count)
	for i := range keys {
		keys[i] = chunkKey(id, i)
	}
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: mget chunks of %s: %w", id, err)
	}
	out := make([][]byte, 0, count)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s chunk %d", store.ErrMissingChunk, id, i)
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

func (b *Backend) DeleteAll(ctx context.Context, id string) error {
	iter := b.rdb.Scan(ctx, 0, keyPrefix+id+":*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redisstore: scan %s: %w", id, err)
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", id, err)
	}
	return nil
}
