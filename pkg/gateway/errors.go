package gateway

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	// ErrNotFound indicates an object, version or link is absent
	ErrNotFound = errors.New("not found")

	// ErrInvalidMetadata indicates malformed custom or version data
	ErrInvalidMetadata = errors.New("invalid metadata")

	// ErrStorage indicates a generic backend failure
	ErrStorage = errors.New("storage error")

	// ErrSerialization indicates metadata could not be encoded or decoded
	ErrSerialization = errors.New("serialization error")

	// ErrIO indicates a local I/O failure
	ErrIO = errors.New("io error")

	// ErrInternal indicates a broken invariant inside the gateway
	ErrInternal = errors.New("internal error")

	// ErrStorageNotFound indicates a named storage backend is not configured
	ErrStorageNotFound = errors.New("storage backend not found")

	// ErrPresignNotSupported is returned by backends without native time-limited URLs
	ErrPresignNotSupported = errors.New("presigned URLs not supported for this storage backend")

	// ErrPartialWrite indicates a multi-key write stopped half way
	ErrPartialWrite = errors.New("partial write")
)

// NotFoundError builds an ErrNotFound carrying what was missing.
func NotFoundError(what, key string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, key)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes every StorageError match ErrStorage, except wrapped not-found
// errors, which must keep surfacing as ErrNotFound only.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage && !errors.Is(e.Err, ErrNotFound)
}

// NewStorageError wraps a native backend error. Nil stays nil.
func NewStorageError(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Backend: backend, Key: key, Op: op, Err: err}
}

// PartialWriteError is returned when the first half of a two-key write
// succeeded and the second did not. The versioned copy identified by
// VersionKey is durable; the plain key still points at the previous state.
// Retrying the pointer write (see versioning.Service.RepairPointer) heals it.
type PartialWriteError struct {
	Key        string
	VersionKey string
	Metadata   *Metadata
	Err        error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: version %s stored but pointer %s not updated: %v", e.VersionKey, e.Key, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

func (e *PartialWriteError) Is(target error) bool {
	return target == ErrPartialWrite
}

// Retryable is always true: the pointer write is idempotent.
func (e *PartialWriteError) Retryable() bool {
	return true
}

// Kind classifies an error for callers that translate it (e.g. to HTTP status).
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidMetadata Kind = "invalid_metadata"
	KindSerialization   Kind = "serialization"
	KindStorage         Kind = "storage"
	KindIO              Kind = "io"
	KindUnsupported     Kind = "unsupported"
	KindInternal        Kind = "internal"
)

// KindOf returns the kind of err. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStorageNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidMetadata):
		return KindInvalidMetadata
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrPresignNotSupported):
		return KindUnsupported
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrStorage), errors.Is(err, ErrPartialWrite):
		return KindStorage
	default:
		return KindInternal
	}
}
