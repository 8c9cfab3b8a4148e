package sharing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Share link errors
var (
	// ErrLinkInvalid is returned when a link is expired or exhausted
	ErrLinkInvalid = errors.New("share link expired or download limit reached")

	// ErrPasswordRequired is returned when a protected link is used without a password
	ErrPasswordRequired = errors.New("password required")

	// ErrInvalidPassword is returned when the password does not match
	ErrInvalidPassword = errors.New("invalid password")

	// ErrLinkExists is returned when creating a link whose ID is taken
	ErrLinkExists = errors.New("share link already exists")
)

// ShareLink is a capability token for one file.
type ShareLink struct {
	ID            uuid.UUID `json:"id"`
	StorageName   string    `json:"storage_name"`
	FileKey       string    `json:"file_key"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	MaxDownloads  *uint32   `json:"max_downloads,omitempty"`
	DownloadCount uint32    `json:"download_count"`
	PasswordHash  string    `json:"-"`
	IsUploadLink  bool      `json:"is_upload_link"`
}

// LinkOption configures NewShareLink.
type LinkOption func(*ShareLink) error

// WithMaxDownloads limits how many times the link can be used.
func WithMaxDownloads(n uint32) LinkOption {
	return func(l *ShareLink) error {
		l.MaxDownloads = &n
		return nil
	}
}

// WithPassword protects the link. The password is stored as a bcrypt hash.
func WithPassword(password string) LinkOption {
	return func(l *ShareLink) error {
		if password == "" {
			return nil
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		l.PasswordHash = string(hashed)
		return nil
	}
}

// AsUploadLink marks the link as granting upload instead of download.
func AsUploadLink() LinkOption {
	return func(l *ShareLink) error {
		l.IsUploadLink = true
		return nil
	}
}

// NewShareLink builds a link with a fresh ID that expires after expiresIn.
// A negative expiresIn yields a link that is already invalid.
func NewShareLink(storageName, fileKey string, expiresIn time.Duration, opts ...LinkOption) (*ShareLink, error) {
	now := time.Now().UTC()
	l := &ShareLink{
		ID:          uuid.New(),
		StorageName: storageName,
		FileKey:     fileKey,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiresIn),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// IsValid reports whether the link can be used now.
func (l *ShareLink) IsValid() bool {
	return l.IsValidAt(time.Now())
}

// IsValidAt reports whether the link is unexpired at t and under its
// download limit.
func (l *ShareLink) IsValidAt(t time.Time) bool {
	if !t.Before(l.ExpiresAt) {
		return false
	}
	return l.MaxDownloads == nil || l.DownloadCount < *l.MaxDownloads
}

// HasPassword reports whether the link is password protected.
func (l *ShareLink) HasPassword() bool {
	return l.PasswordHash != ""
}

// VerifyPassword always succeeds for links without a password.
func (l *ShareLink) VerifyPassword(password string) bool {
	if !l.HasPassword() {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(l.PasswordHash), []byte(password)) == nil
}

// RemainingDownloads returns nil for unlimited links.
func (l *ShareLink) RemainingDownloads() *uint32 {
	if l.MaxDownloads == nil {
		return nil
	}
	var left uint32
	if l.DownloadCount < *l.MaxDownloads {
		left = *l.MaxDownloads - l.DownloadCount
	}
	return &left
}

// Clone returns a deep copy.
func (l *ShareLink) Clone() *ShareLink {
	c := *l
	if l.MaxDownloads != nil {
		n := *l.MaxDownloads
		c.MaxDownloads = &n
	}
	return &c
}

// Authorize applies the access checks in order: validity, then password.
// Callers read the file only after it succeeds and count the download
// only after the read succeeds.
func Authorize(l *ShareLink, password string) error {
	if !l.IsValid() {
		return ErrLinkInvalid
	}
	if l.HasPassword() {
		if password == "" {
			return ErrPasswordRequired
		}
		if !l.VerifyPassword(password) {
			return ErrInvalidPassword
		}
	}
	return nil
}
