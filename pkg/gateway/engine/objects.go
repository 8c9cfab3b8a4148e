package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/versioning"
)

// UploadResult describes a stored object.
type UploadResult struct {
	Metadata     *gateway.Metadata `json:"metadata"`
	Deduplicated bool              `json:"deduplicated"`
	CanonicalKey string            `json:"canonical_key,omitempty"`
}

// Upload stores data under key. Size and content hash are always taken
// from data. On deduplicating backends identical content is stored once.
func (e *Engine) Upload(ctx context.Context, storage, key string, data []byte, meta *gateway.Metadata) (*UploadResult, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = gateway.NewMetadata(key, int64(len(data)))
	}
	meta.Key = key
	meta.Size = int64(len(data))

	defer e.cache.Invalidate(cacheKey(storage, key))

	if b.Dedup != nil {
		res, err := b.Dedup.Put(ctx, key, data, meta)
		if err != nil {
			return nil, err
		}
		return &UploadResult{Metadata: res.Metadata, Deduplicated: res.Deduplicated, CanonicalKey: res.CanonicalKey}, nil
	}

	meta.ContentHash = gateway.ComputeHash(data)
	if err := b.Storage.Put(ctx, key, data, meta); err != nil {
		return nil, err
	}
	return &UploadResult{Metadata: meta, CanonicalKey: key}, nil
}

// Download returns the live content of key. Soft-deleted objects are not
// found. Reads go through the shared cache.
func (e *Engine) Download(ctx context.Context, storage, key string) ([]byte, *gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, nil, err
	}
	return e.cache.ReadThrough(ctx, cacheKey(storage, key), func(ctx context.Context) ([]byte, *gateway.Metadata, error) {
		return b.read(ctx, key)
	})
}

func (b *Backend) read(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	get := b.Storage.Get
	if b.Dedup != nil {
		get = b.Dedup.Get
	}
	data, meta, err := get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if meta.IsDeleted {
		return nil, nil, gateway.NotFoundError("object", key)
	}
	return b.Versions.Dereference(ctx, key, data, meta)
}

// Metadata returns the stored record for key, deleted or not.
func (e *Engine) Metadata(ctx context.Context, storage, key string) (*gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	return b.Storage.GetMetadata(ctx, key)
}

// ListOptions narrows List.
type ListOptions struct {
	Prefix          string
	Filter          gateway.FilterParams
	IncludeDeleted  bool
	IncludeVersions bool
}

// List returns matching records sorted by key. Version copies and
// soft-deleted records are hidden unless requested.
func (e *Engine) List(ctx context.Context, storage string, opts ListOptions) ([]*gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	records, err := b.Storage.List(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.Metadata, 0, len(records))
	for _, m := range records {
		if !opts.IncludeVersions && isVersionCopy(m.Key) {
			continue
		}
		if !opts.IncludeDeleted && m.IsDeleted {
			continue
		}
		if !m.MatchesFilter(opts.Filter) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *gateway.Metadata) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

func isVersionCopy(key string) bool {
	_, _, _, ok := versioning.ParseVersionKey(key)
	return ok
}

// Delete permanently removes key.
func (e *Engine) Delete(ctx context.Context, storage, key string) error {
	b, err := e.Backend(storage)
	if err != nil {
		return err
	}
	defer e.cache.Invalidate(cacheKey(storage, key))

	if b.Dedup != nil {
		return b.Dedup.Delete(ctx, key)
	}
	return b.Storage.Delete(ctx, key)
}

// SoftDelete marks key deleted and keeps its payload.
func (e *Engine) SoftDelete(ctx context.Context, storage, key string) (*gateway.Metadata, error) {
	return e.mutate(ctx, storage, key, func(m *gateway.Metadata) {
		if !m.IsDeleted {
			m.SoftDelete()
		}
	})
}

// RestoreDeleted clears the soft-delete marker of key.
func (e *Engine) RestoreDeleted(ctx context.Context, storage, key string) (*gateway.Metadata, error) {
	return e.mutate(ctx, storage, key, func(m *gateway.Metadata) {
		if m.IsDeleted {
			m.Restore()
		}
	})
}

// SetTags replaces the tags of key.
func (e *Engine) SetTags(ctx context.Context, storage, key string, tags []string) (*gateway.Metadata, error) {
	return e.mutate(ctx, storage, key, func(m *gateway.Metadata) {
		m.Tags = nil
		for _, t := range tags {
			m.AddTag(t)
		}
	})
}

// mutate rewrites the metadata of key in place. The stored payload is
// written back untouched, so placeholders and version pointers survive.
func (e *Engine) mutate(ctx context.Context, storage, key string, fn func(*gateway.Metadata)) (*gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	data, meta, err := b.Storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	fn(meta)
	if err := b.Storage.Put(ctx, key, data, meta); err != nil {
		return nil, err
	}
	e.cache.Invalidate(cacheKey(storage, key))
	return meta, nil
}

// Tags returns every tag used in storage, sorted.
func (e *Engine) Tags(ctx context.Context, storage string) ([]string, error) {
	records, err := e.List(ctx, storage, ListOptions{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, m := range records {
		tags = append(tags, m.Tags...)
	}
	slices.Sort(tags)
	return slices.Compact(tags), nil
}

// Trash returns the soft-deleted records of storage.
func (e *Engine) Trash(ctx context.Context, storage string) ([]*gateway.Metadata, error) {
	records, err := e.List(ctx, storage, ListOptions{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(records, func(m *gateway.Metadata) bool { return !m.IsDeleted }), nil
}

// EmptyTrash permanently deletes every soft-deleted record and returns
// how many were removed.
func (e *Engine) EmptyTrash(ctx context.Context, storage string) (int, error) {
	trash, err := e.Trash(ctx, storage)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range trash {
		if err := e.Delete(ctx, storage, m.Key); err != nil && !gateway.IsNotFound(err) {
			return n, err
		}
		n++
	}
	return n, nil
}

// CreateVersion stores data as the next version of key.
func (e *Engine) CreateVersion(ctx context.Context, storage, key string, data []byte) (*gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	base, err := b.Storage.GetMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	defer e.cache.Invalidate(cacheKey(storage, key))
	return b.Versions.CreateVersion(ctx, key, data, base)
}

// RestoreVersion makes the content of versionID the newest version of key.
func (e *Engine) RestoreVersion(ctx context.Context, storage, key string, versionID uuid.UUID) (*gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	defer e.cache.Invalidate(cacheKey(storage, key))
	return b.Versions.RestoreVersion(ctx, key, versionID)
}

// ListVersions returns the version history of key, newest first.
func (e *Engine) ListVersions(ctx context.Context, storage, key string) ([]*gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, err
	}
	return b.Versions.ListVersions(ctx, key)
}

// GetVersion returns the payload and record of one version of key.
func (e *Engine) GetVersion(ctx context.Context, storage, key string, versionID uuid.UUID) ([]byte, *gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, nil, err
	}
	return b.Versions.GetVersion(ctx, key, versionID)
}

// LatestVersion returns the newest version of key.
func (e *Engine) LatestVersion(ctx context.Context, storage, key string) ([]byte, *gateway.Metadata, error) {
	b, err := e.Backend(storage)
	if err != nil {
		return nil, nil, err
	}
	return b.Versions.GetLatestVersion(ctx, key)
}

// DeleteVersion soft-deletes one version of key.
func (e *Engine) DeleteVersion(ctx context.Context, storage, key string, versionID uuid.UUID) error {
	b, err := e.Backend(storage)
	if err != nil {
		return err
	}
	defer e.cache.Invalidate(cacheKey(storage, key))
	return b.Versions.DeleteVersion(ctx, key, versionID)
}

// InvalidateCache drops the cached copy of key, or every cached object of
// storage when key is empty. It returns how many entries went.
func (e *Engine) InvalidateCache(storage, key string) int {
	if key == "" {
		return e.cache.InvalidatePrefix(storage + "/")
	}
	if e.cache.Invalidate(cacheKey(storage, key)) {
		return 1
	}
	return 0
}
