// Package memory provides an in-memory gateway.Storage, mainly for tests
// and single-process deployments.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/tendant/object-gateway/pkg/gateway"
)

type object struct {
	data []byte
	meta *gateway.Metadata
}

// Backend is an in-memory implementation of the gateway.Storage interface
type Backend struct {
	gateway.PresignUnsupported

	mu      sync.RWMutex
	objects map[string]object
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
	}
}

// Put stores a copy of data and meta
func (b *Backend) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) error {
	stored, err := gateway.PrepareForPut(key, meta)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = object{data: slices.Clone(data), meta: stored}
	return nil
}

// Get returns copies of the payload and metadata
func (b *Backend) Get(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, nil, gateway.NotFoundError("object", key)
	}
	data := slices.Clone(obj.data)
	if data == nil {
		data = []byte{}
	}
	return data, obj.meta.Clone(), nil
}

// Delete removes the object
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; !ok {
		return gateway.NotFoundError("object", key)
	}
	delete(b.objects, key)
	return nil
}

// List returns metadata for every key starting with prefix, sorted by key
func (b *Backend) List(ctx context.Context, prefix string) ([]*gateway.Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*gateway.Metadata, 0)
	for key, obj := range b.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, obj.meta.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *gateway.Metadata) int {
		return strings.Compare(a.Key, b.Key)
	})
	return result, nil
}

// Exists reports whether key is stored
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.objects[key]
	return ok, nil
}

// GetMetadata returns a copy of the stored metadata
func (b *Backend) GetMetadata(ctx context.Context, key string) (*gateway.Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, gateway.NotFoundError("object", key)
	}
	return obj.meta.Clone(), nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

var _ gateway.Storage = (*Backend)(nil)
