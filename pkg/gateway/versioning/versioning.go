// Package versioning keeps a linear history per key on top of any
// gateway.Storage.
//
// Every version's payload lives under VersionKey(key, version, id). The
// plain key holds the latest metadata with an empty payload; it is a
// pointer, not a copy. Creating a version is two writes, versioned key
// first: if the pointer write fails the history is intact and
// CreateVersion returns a *gateway.PartialWriteError that RepairPointer
// resolves.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// Service manages versions for one backend
type Service struct {
	storage       gateway.Storage
	read          Reader
	beforePointer func(ctx context.Context, key string) error
	logger        *slog.Logger
}

// Reader loads the payload stored at a plain key.
type Reader func(ctx context.Context, key string) ([]byte, *gateway.Metadata, error)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithReader sets how the payload at a plain key is read before it is
// snapshotted. Default is the storage's Get; deduplicating callers pass a
// reader that follows placeholders.
func WithReader(read Reader) Option {
	return func(s *Service) {
		s.read = read
	}
}

// WithPointerHook sets a function called before the plain key is
// overwritten with a pointer. Deduplicating callers use it to move the
// canonical role off key.
func WithPointerHook(fn func(ctx context.Context, key string) error) Option {
	return func(s *Service) {
		s.beforePointer = fn
	}
}

// NewService creates a versioning service over storage
func NewService(storage gateway.Storage, opts ...Option) *Service {
	s := &Service{storage: storage, read: storage.Get, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateVersion stores data as the successor of base and moves the plain
// key pointer to it. When base is the state written directly at key and
// has no versioned copy yet, that state is snapshotted first so history
// keeps its bytes.
func (s *Service) CreateVersion(ctx context.Context, key string, data []byte, base *gateway.Metadata) (*gateway.Metadata, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: base metadata is required", gateway.ErrInvalidMetadata)
	}
	if err := s.snapshotBase(ctx, key, base); err != nil {
		return nil, err
	}

	next := base.CreateNewVersion()
	next.Size = int64(len(data))
	if base.ContentHash != "" {
		next.ContentHash = gateway.ComputeHash(data)
	}
	return s.write(ctx, key, data, next)
}

// write stores the versioned copy, then the pointer.
func (s *Service) write(ctx context.Context, key string, data []byte, meta *gateway.Metadata) (*gateway.Metadata, error) {
	versionKey := VersionKey(key, meta.Version, meta.VersionID)
	if err := s.storage.Put(ctx, versionKey, data, meta); err != nil {
		return nil, fmt.Errorf("store version %d of %s: %w", meta.Version, key, err)
	}

	if err := s.writePointer(ctx, key, meta.Clone()); err != nil {
		s.logger.Warn("version stored but pointer not updated", "key", key, "version_key", versionKey, "error", err)
		return nil, &gateway.PartialWriteError{Key: key, VersionKey: versionKey, Metadata: meta.Clone(), Err: err}
	}

	meta.Key = versionKey
	s.logger.Debug("created version", "key", key, "version", meta.Version, "version_id", meta.VersionID)
	return meta, nil
}

// snapshotBase copies the payload stored at the plain key to its own
// versioned key when base describes that record and no versioned copy of
// it exists yet.
func (s *Service) snapshotBase(ctx context.Context, key string, base *gateway.Metadata) error {
	versionKey := VersionKey(key, base.Version, base.VersionID)
	exists, err := s.storage.Exists(ctx, versionKey)
	if err != nil || exists {
		return err
	}

	data, current, err := s.read(ctx, key)
	if gateway.IsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	if current.VersionID != base.VersionID {
		return nil
	}

	snapshot := current.Clone()
	if err := s.storage.Put(ctx, versionKey, data, snapshot); err != nil {
		return fmt.Errorf("snapshot version %d of %s: %w", base.Version, key, err)
	}
	return nil
}

// RepairPointer rewrites the plain key pointer after a PartialWriteError.
func (s *Service) RepairPointer(ctx context.Context, perr *gateway.PartialWriteError) error {
	if perr == nil || perr.Metadata == nil {
		return fmt.Errorf("%w: nothing to repair", gateway.ErrInvalidMetadata)
	}
	if err := s.writePointer(ctx, perr.Key, perr.Metadata.Clone()); err != nil {
		return fmt.Errorf("repair pointer %s: %w", perr.Key, err)
	}
	return nil
}

func (s *Service) writePointer(ctx context.Context, key string, meta *gateway.Metadata) error {
	if s.beforePointer != nil {
		if err := s.beforePointer(ctx, key); err != nil {
			return err
		}
	}
	return s.storage.Put(ctx, key, []byte{}, meta)
}

// ListVersions returns every version of key, newest first. Each record's
// Key is its physical version key.
func (s *Service) ListVersions(ctx context.Context, key string) ([]*gateway.Metadata, error) {
	records, err := s.storage.List(ctx, key+".")
	if err != nil {
		return nil, err
	}

	versions := make([]*gateway.Metadata, 0, len(records))
	for _, meta := range records {
		if meta.VersionID == uuid.Nil || !isVersionOf(meta.Key, key) {
			continue
		}
		versions = append(versions, meta)
	}
	slices.SortFunc(versions, func(a, b *gateway.Metadata) int {
		return b.Version - a.Version
	})
	return versions, nil
}

// GetVersion returns one version's payload and metadata
func (s *Service) GetVersion(ctx context.Context, key string, versionID uuid.UUID) ([]byte, *gateway.Metadata, error) {
	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range versions {
		if v.VersionID == versionID {
			return s.storage.Get(ctx, v.Key)
		}
	}
	return nil, nil, gateway.NotFoundError("version", fmt.Sprintf("%s of %s", versionID, key))
}

// RestoreVersion creates a new latest version whose content equals the
// target version. History is never rewound.
func (s *Service) RestoreVersion(ctx context.Context, key string, versionID uuid.UUID) (*gateway.Metadata, error) {
	data, _, err := s.GetVersion(ctx, key, versionID)
	if err != nil {
		return nil, err
	}
	latest, err := s.latestMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	restored, err := s.CreateVersion(ctx, key, data, latest)
	if err != nil {
		return nil, err
	}
	s.logger.Info("restored version", "key", key, "from", versionID, "version", restored.Version)
	return restored, nil
}

// latestMetadata is the newest record for key: the pointer when present,
// otherwise the highest version.
func (s *Service) latestMetadata(ctx context.Context, key string) (*gateway.Metadata, error) {
	meta, err := s.storage.GetMetadata(ctx, key)
	if err == nil {
		versions, lerr := s.ListVersions(ctx, key)
		if lerr != nil {
			return nil, lerr
		}
		// A failed pointer write leaves the pointer behind the history.
		if len(versions) > 0 && versions[0].Version > meta.Version {
			return versions[0], nil
		}
		return meta, nil
	}
	if !gateway.IsNotFound(err) {
		return nil, err
	}
	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, gateway.NotFoundError("object", key)
	}
	return versions[0], nil
}

// GetLatestVersion returns the newest non-deleted state of key. A pointer
// record is dereferenced to its versioned payload.
func (s *Service) GetLatestVersion(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	data, meta, err := s.storage.Get(ctx, key)
	if err != nil && !gateway.IsNotFound(err) {
		return nil, nil, err
	}
	if err == nil && !meta.IsDeleted {
		return s.Dereference(ctx, key, data, meta)
	}

	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range versions {
		if v.IsDeleted {
			continue
		}
		return s.readVersion(ctx, key, v.Key)
	}
	return nil, nil, gateway.NotFoundError("live version of", key)
}

// Dereference returns the newest payload for the live plain record of key.
// A pointer resolves to its versioned copy. A pointer left behind the
// history by a failed write resolves to the newest version instead.
func (s *Service) Dereference(ctx context.Context, key string, data []byte, meta *gateway.Metadata) ([]byte, *gateway.Metadata, error) {
	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if len(versions) > 0 && versions[0].Version > meta.Version && !versions[0].IsDeleted {
		s.logger.Warn("pointer behind history, serving newest version", "key", key, "pointer", meta.Version, "newest", versions[0].Version)
		return s.readVersion(ctx, key, versions[0].Key)
	}
	if len(data) > 0 {
		return data, meta, nil
	}
	vdata, vmeta, err := s.readVersion(ctx, key, VersionKey(key, meta.Version, meta.VersionID))
	if gateway.IsNotFound(err) {
		// No versioned copy: the plain record is a genuinely empty object.
		return data, meta, nil
	}
	return vdata, vmeta, err
}

func (s *Service) readVersion(ctx context.Context, key, versionKey string) ([]byte, *gateway.Metadata, error) {
	data, meta, err := s.storage.Get(ctx, versionKey)
	if err != nil {
		return nil, nil, err
	}
	meta.Key = key
	return data, meta, nil
}

// DeleteVersion soft-deletes one version. The payload is kept.
func (s *Service) DeleteVersion(ctx context.Context, key string, versionID uuid.UUID) error {
	versions, err := s.ListVersions(ctx, key)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.VersionID != versionID {
			continue
		}
		data, meta, err := s.storage.Get(ctx, v.Key)
		if err != nil {
			return err
		}
		meta.SoftDelete()
		return s.storage.Put(ctx, v.Key, data, meta)
	}
	return gateway.NotFoundError("version", fmt.Sprintf("%s of %s", versionID, key))
}
