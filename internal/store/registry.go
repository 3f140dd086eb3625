package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/efbtools/chartstore/internal/config"
)

// Factory builds a Backend from service configuration. Backends register
// themselves from init so binaries choose what they link with blank
// imports.
type Factory func(ctx context.Context, cfg config.Config) (Backend, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

func lookup(name string) Factory {
	regMu.RLock()
	defer regMu.RUnlock()
	return factories[name]
}

// Open builds the configured backend wrapped in a Store. Backend "auto"
// probes redis first and falls back to the filesystem when redis is not
// reachable.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	name := cfg.StoreBackend
	if name == "" || name == "auto" {
		return openAuto(ctx, cfg)
	}
	f := lookup(name)
	if f == nil {
		return nil, fmt.Errorf("store: unknown backend %q", name)
	}
	b, err := f(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(b, cfg.ChunkSize), nil
}

func openAuto(ctx context.Context, cfg config.Config) (*Store, error) {
	if f := lookup("redis"); f != nil && cfg.RedisAddr != "" {
		if b, err := f(ctx, cfg); err == nil {
			return New(b, cfg.ChunkSize), nil
		}
	}
	f := lookup("fs")
	if f == nil {
		return nil, fmt.Errorf("store: no usable backend for %q", cfg.StoreBackend)
	}
	b, err := f(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(b, cfg.ChunkSize), nil
}
