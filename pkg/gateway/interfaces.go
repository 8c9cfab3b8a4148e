package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Storage defines the contract every backend adapter implements
type Storage interface {
	// Put persists payload and metadata under key, overwriting any existing
	// object. meta.Key is set to key. Payload and metadata are not written
	// atomically on every backend; see the package documentation.
	Put(ctx context.Context, key string, data []byte, meta *Metadata) error

	// Get returns payload and metadata, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, *Metadata, error)

	// Delete removes payload and metadata, or returns ErrNotFound
	Delete(ctx context.Context, key string) error

	// List returns every record whose key starts with prefix ("" lists all).
	// Order is backend defined.
	List(ctx context.Context, prefix string) ([]*Metadata, error)

	// Exists never fails for a missing key, only on transport errors
	Exists(ctx context.Context, key string) (bool, error)

	// GetMetadata is Get without the payload
	GetMetadata(ctx context.Context, key string) (*Metadata, error)

	// PresignDownload returns a time-limited download URL
	PresignDownload(ctx context.Context, key string, expiresIn time.Duration) (*PresignedURL, error)

	// PresignUpload returns a time-limited upload URL
	PresignUpload(ctx context.Context, key string, expiresIn time.Duration) (*PresignedURL, error)
}

// PresignedURL is a time-limited URL issued by a backend.
type PresignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresignUnsupported can be embedded by backends without native presigned
// URL support.
type PresignUnsupported struct{}

func (PresignUnsupported) PresignDownload(ctx context.Context, key string, expiresIn time.Duration) (*PresignedURL, error) {
	return nil, ErrPresignNotSupported
}

func (PresignUnsupported) PresignUpload(ctx context.Context, key string, expiresIn time.Duration) (*PresignedURL, error) {
	return nil, ErrPresignNotSupported
}

// SidecarSuffix is appended to a key to derive its metadata sidecar key.
const SidecarSuffix = ".metadata.json"

// SidecarKey returns the metadata sidecar key for key.
func SidecarKey(key string) string {
	return key + SidecarSuffix
}

// IsSidecarKey reports whether key names a metadata sidecar.
func IsSidecarKey(key string) bool {
	return strings.HasSuffix(key, SidecarSuffix)
}

// KeyFromSidecar strips the sidecar suffix.
func KeyFromSidecar(sidecar string) string {
	return strings.TrimSuffix(sidecar, SidecarSuffix)
}

// PrepareForPut validates meta for key and returns the copy a backend
// should persist. The stored key always wins over whatever the caller set.
func PrepareForPut(key string, meta *Metadata) (*Metadata, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidMetadata)
	}
	if meta == nil {
		meta = NewMetadata(key, 0)
	}
	stored := meta.Clone()
	stored.Key = key
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	meta.Key = key
	return stored, nil
}
