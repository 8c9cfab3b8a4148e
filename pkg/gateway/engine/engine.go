// Package engine composes named storage backends with deduplication,
// versioning, caching and share links.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/cache"
	"github.com/tendant/object-gateway/pkg/gateway/dedup"
	"github.com/tendant/object-gateway/pkg/gateway/sharing"
	"github.com/tendant/object-gateway/pkg/gateway/versioning"
)

// Backend is one named storage with the services bound to it.
type Backend struct {
	Name     string
	Storage  gateway.Storage
	Dedup    *dedup.Manager // nil when deduplication is off
	Versions *versioning.Service
}

type namedStorage struct {
	name    string
	storage gateway.Storage
}

// Engine routes object operations to named backends.
type Engine struct {
	backends map[string]*Backend
	names    []string
	cache    *cache.FileCache
	shares   *sharing.Manager
	logger   *slog.Logger

	storages []namedStorage
	dedup    map[string]bool
	dedupAll bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStorage registers a backend under name.
func WithStorage(name string, storage gateway.Storage) Option {
	return func(e *Engine) {
		e.storages = append(e.storages, namedStorage{name: name, storage: storage})
	}
}

// WithCache sets the shared download cache.
func WithCache(c *cache.FileCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithShareLinks sets the share link manager.
func WithShareLinks(m *sharing.Manager) Option {
	return func(e *Engine) {
		e.shares = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDeduplication enables content deduplication for the named backends,
// or for every backend when no name is given.
func WithDeduplication(names ...string) Option {
	return func(e *Engine) {
		if len(names) == 0 {
			e.dedupAll = true
			return
		}
		for _, n := range names {
			e.dedup[n] = true
		}
	}
}

// New builds an engine. At least one storage is required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		backends: make(map[string]*Backend),
		logger:   slog.Default(),
		dedup:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	if len(e.storages) == 0 {
		return nil, fmt.Errorf("at least one storage is required")
	}
	if e.cache == nil {
		e.cache = cache.New(cache.DefaultConfig())
	}
	if e.shares == nil {
		e.shares = sharing.NewManager(sharing.WithLogger(e.logger))
	}

	for _, ns := range e.storages {
		if ns.name == "" || ns.storage == nil {
			return nil, fmt.Errorf("storage name and implementation are required")
		}
		if _, dup := e.backends[ns.name]; dup {
			return nil, fmt.Errorf("duplicate storage name %q", ns.name)
		}
		logger := e.logger.With("storage", ns.name)
		b := &Backend{Name: ns.name, Storage: ns.storage}
		versionOpts := []versioning.Option{versioning.WithLogger(logger)}
		if e.dedupAll || e.dedup[ns.name] {
			b.Dedup = dedup.NewManager(ns.storage, dedup.WithLogger(logger))
			versionOpts = append(versionOpts,
				versioning.WithReader(b.Dedup.Get),
				versioning.WithPointerHook(b.Dedup.Release),
			)
		}
		b.Versions = versioning.NewService(ns.storage, versionOpts...)
		e.backends[ns.name] = b
		e.names = append(e.names, ns.name)
	}
	for name := range e.dedup {
		if _, ok := e.backends[name]; !ok {
			return nil, fmt.Errorf("deduplication enabled for unknown storage %q", name)
		}
	}
	sort.Strings(e.names)
	return e, nil
}

// Backend returns the named backend or gateway.ErrStorageNotFound.
func (e *Engine) Backend(name string) (*Backend, error) {
	b, ok := e.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrStorageNotFound, name)
	}
	return b, nil
}

// Names returns the backend names, sorted.
func (e *Engine) Names() []string {
	return append([]string(nil), e.names...)
}

// Storages returns every backend's storage by name.
func (e *Engine) Storages() map[string]gateway.Storage {
	out := make(map[string]gateway.Storage, len(e.backends))
	for name, b := range e.backends {
		out[name] = b.Storage
	}
	return out
}

func (e *Engine) Cache() *cache.FileCache {
	return e.cache
}

func (e *Engine) ShareLinks() *sharing.Manager {
	return e.shares
}

// RebuildIndexes rebuilds the dedup index of every deduplicating backend
// and returns the indexed hash count per backend.
func (e *Engine) RebuildIndexes(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, name := range e.names {
		b := e.backends[name]
		if b.Dedup == nil {
			continue
		}
		n, err := b.Dedup.RebuildIndex(ctx)
		if err != nil {
			return counts, fmt.Errorf("rebuild dedup index for %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

// Close releases backends that hold connections.
func (e *Engine) Close() error {
	var errs []error
	for _, name := range e.names {
		switch c := e.backends[name].Storage.(type) {
		case interface{ Close() error }:
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		case interface{ Close() }:
			c.Close()
		}
	}
	return errors.Join(errs...)
}

func cacheKey(storage, key string) string {
	return storage + "/" + key
}
