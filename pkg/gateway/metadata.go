package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata is the record stored alongside every object version.
type Metadata struct {
	Key             string         `json:"key"`
	ContentType     string         `json:"content_type,omitempty"`
	Size            int64          `json:"size"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Custom          map[string]any `json:"custom"`
	Version         int            `json:"version"`
	VersionID       uuid.UUID      `json:"version_id"`
	ParentVersionID *uuid.UUID     `json:"parent_version_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	IsDeleted       bool           `json:"is_deleted"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
	ContentHash     string         `json:"content_hash,omitempty"`
}

// NewMetadata creates the first version of a record for key.
func NewMetadata(key string, size int64) *Metadata {
	now := time.Now().UTC()
	return &Metadata{
		Key:       key,
		Size:      size,
		CreatedAt: now,
		UpdatedAt: now,
		Custom:    map[string]any{},
		Version:   1,
		VersionID: uuid.New(),
	}
}

// WithContentType sets the content type and returns the receiver.
func (m *Metadata) WithContentType(contentType string) *Metadata {
	m.ContentType = contentType
	return m
}

// WithCustom replaces the custom document and returns the receiver.
func (m *Metadata) WithCustom(custom map[string]any) *Metadata {
	if custom == nil {
		custom = map[string]any{}
	}
	m.Custom = custom
	return m
}

// AddTag adds tag unless already present.
func (m *Metadata) AddTag(tag string) {
	if tag == "" || m.HasTag(tag) {
		return
	}
	m.Tags = append(m.Tags, tag)
}

// RemoveTag removes tag if present.
func (m *Metadata) RemoveTag(tag string) {
	m.Tags = slices.DeleteFunc(m.Tags, func(t string) bool { return t == tag })
}

func (m *Metadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// CreateNewVersion derives the next record in the version chain.
// The copy gets version+1, a fresh version ID and the receiver's version ID
// as its parent. Soft-delete state is not inherited.
func (m *Metadata) CreateNewVersion() *Metadata {
	next := m.Clone()
	parent := m.VersionID
	next.Version = m.Version + 1
	next.VersionID = uuid.New()
	next.ParentVersionID = &parent
	next.UpdatedAt = time.Now().UTC()
	next.IsDeleted = false
	next.DeletedAt = nil
	return next
}

// SoftDelete marks the record deleted in place.
func (m *Metadata) SoftDelete() {
	now := time.Now().UTC()
	m.IsDeleted = true
	m.DeletedAt = &now
	m.UpdatedAt = now
}

// Restore clears the soft-delete marker in place.
func (m *Metadata) Restore() {
	m.IsDeleted = false
	m.DeletedAt = nil
	m.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Custom = cloneDocument(m.Custom)
	c.Tags = slices.Clone(m.Tags)
	if m.ParentVersionID != nil {
		p := *m.ParentVersionID
		c.ParentVersionID = &p
	}
	if m.DeletedAt != nil {
		d := *m.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

// Validate checks the record invariants.
func (m *Metadata) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: metadata is nil", ErrInvalidMetadata)
	case m.Key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidMetadata)
	case m.Size < 0:
		return fmt.Errorf("%w: negative size %d", ErrInvalidMetadata, m.Size)
	case m.Version < 1:
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalidMetadata, m.Version)
	case m.VersionID == uuid.Nil:
		return fmt.Errorf("%w: version_id is required", ErrInvalidMetadata)
	case m.Version > 1 && m.ParentVersionID == nil:
		return fmt.Errorf("%w: version %d has no parent_version_id", ErrInvalidMetadata, m.Version)
	case m.IsDeleted != (m.DeletedAt != nil):
		return fmt.Errorf("%w: deleted_at must be set iff is_deleted", ErrInvalidMetadata)
	case m.ContentHash != "" && !isHexDigest(m.ContentHash):
		return fmt.Errorf("%w: content_hash %q is not a sha256 hex digest", ErrInvalidMetadata, m.ContentHash)
	}
	return nil
}

// FilterParams narrows a listing by name, content type and custom fields.
type FilterParams struct {
	NamePattern string         `json:"name_pattern,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`
}

// MatchesFilter reports whether the record satisfies every set filter.
func (m *Metadata) MatchesFilter(f FilterParams) bool {
	if f.NamePattern != "" && !strings.Contains(m.Key, f.NamePattern) {
		return false
	}
	if f.ContentType != "" && m.ContentType != f.ContentType {
		return false
	}
	for k, want := range f.Custom {
		got, ok := m.Custom[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// ComputeHash returns the SHA-256 hex digest of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func cloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
