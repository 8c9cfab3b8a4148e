// Package fs stores objects on the local filesystem. Each object is a
// payload file plus a "{key}.metadata.json" sidecar written after it.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/presigned"
)

const (
	backendName = "fs"
	tempPrefix  = ".tmp-"
)

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files

	// URLPrefix is the route presigned URLs point at, e.g. "/presigned/local".
	// Presigning is enabled only when Signer has a secret key.
	URLPrefix string
	Signer    *presigned.Signer
}

// Backend is a filesystem implementation of the gateway.Storage interface
type Backend struct {
	mu        sync.RWMutex
	baseDir   string
	urlPrefix string
	signer    *presigned.Signer
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{
		baseDir:   baseDir,
		urlPrefix: strings.TrimSuffix(config.URLPrefix, "/"),
		signer:    config.Signer,
	}, nil
}

// BaseDir returns the absolute root directory.
func (b *Backend) BaseDir() string {
	return b.baseDir
}

func (b *Backend) path(key string) (string, error) {
	if gateway.IsSidecarKey(key) {
		return "", fmt.Errorf("%w: key %q uses the reserved %s suffix", gateway.ErrInvalidMetadata, key, gateway.SidecarSuffix)
	}
	p := filepath.Join(b.baseDir, filepath.FromSlash(key))
	if p == b.baseDir || !strings.HasPrefix(p, b.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes the base directory", gateway.ErrInvalidMetadata, key)
	}
	return p, nil
}

func ioError(op, key string, err error) error {
	return gateway.NewStorageError(backendName, op, key, fmt.Errorf("%w: %v", gateway.ErrIO, err))
}

// Put writes the payload, then the sidecar that commits it
func (b *Backend) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) error {
	stored, err := gateway.PrepareForPut(key, meta)
	if err != nil {
		return err
	}
	p, err := b.path(key)
	if err != nil {
		return err
	}
	encoded, err := gateway.EncodeMetadata(stored)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLayout(key, p); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return ioError("put", key, err)
	}
	if err := writeFileAtomic(p, data); err != nil {
		return ioError("put", key, err)
	}
	if err := writeFileAtomic(gateway.SidecarKey(p), encoded); err != nil {
		return ioError("put", key, err)
	}
	return nil
}

// checkLayout rejects keys the directory tree cannot hold: "a" and "a/b"
// cannot both exist, since "a" would be a file and a directory at once.
func (b *Backend) checkLayout(key, p string) error {
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return fmt.Errorf("%w: key %q is a prefix of existing objects", gateway.ErrInvalidMetadata, key)
	}
	for dir := filepath.Dir(p); dir != b.baseDir; dir = filepath.Dir(dir) {
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return ioError("put", key, err)
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(b.baseDir, dir)
			return fmt.Errorf("%w: key %q is nested under existing object %q", gateway.ErrInvalidMetadata, key, filepath.ToSlash(rel))
		}
		break
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Get reads the sidecar and payload
func (b *Backend) Get(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	meta, err := b.readMetadata(key, p)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, gateway.NotFoundError("object", key)
	} else if err != nil {
		return nil, nil, ioError("get", key, err)
	}
	return data, meta, nil
}

func (b *Backend) readMetadata(key, p string) (*gateway.Metadata, error) {
	raw, err := os.ReadFile(gateway.SidecarKey(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, gateway.NotFoundError("object", key)
	} else if err != nil {
		return nil, ioError("get", key, err)
	}
	return gateway.DecodeMetadata(raw)
}

// Delete removes the sidecar first, then the payload, then empty parents
func (b *Backend) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err = os.Remove(gateway.SidecarKey(p))
	if errors.Is(err, fs.ErrNotExist) {
		return gateway.NotFoundError("object", key)
	} else if err != nil {
		return ioError("delete", key, err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("delete", key, err)
	}
	b.removeEmptyParents(filepath.Dir(p))
	return nil
}

func (b *Backend) removeEmptyParents(dir string) {
	for dir != b.baseDir && strings.HasPrefix(dir, b.baseDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// List walks the base directory and returns every committed object whose
// key starts with prefix
func (b *Backend) List(ctx context.Context, prefix string) ([]*gateway.Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*gateway.Metadata, 0)
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) || !gateway.IsSidecarKey(p) {
			return nil
		}

		rel, err := filepath.Rel(b.baseDir, gateway.KeyFromSidecar(p))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		if _, err := os.Stat(gateway.KeyFromSidecar(p)); err != nil {
			return nil
		}
		meta, err := b.readMetadata(key, gateway.KeyFromSidecar(p))
		if err != nil {
			return err
		}
		result = append(result, meta)
		return nil
	})
	if err != nil {
		return nil, ioError("list", prefix, err)
	}
	return result, nil
}

// Exists reports whether both payload and sidecar are present
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	p, err := b.path(key)
	if err != nil {
		return false, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, candidate := range []string{gateway.SidecarKey(p), p} {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		} else if err != nil {
			return false, ioError("exists", key, err)
		}
	}
	return true, nil
}

// GetMetadata reads the sidecar only
func (b *Backend) GetMetadata(ctx context.Context, key string) (*gateway.Metadata, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return nil, gateway.NotFoundError("object", key)
	}
	return b.readMetadata(key, p)
}

// PresignDownload returns an HMAC-signed GET URL served by the gateway
func (b *Backend) PresignDownload(ctx context.Context, key string, expiresIn time.Duration) (*gateway.PresignedURL, error) {
	return b.presign("GET", key, expiresIn)
}

// PresignUpload returns an HMAC-signed PUT URL served by the gateway
func (b *Backend) PresignUpload(ctx context.Context, key string, expiresIn time.Duration) (*gateway.PresignedURL, error) {
	return b.presign("PUT", key, expiresIn)
}

func (b *Backend) presign(method, key string, expiresIn time.Duration) (*gateway.PresignedURL, error) {
	if !b.signer.IsEnabled() || b.urlPrefix == "" {
		return nil, gateway.ErrPresignNotSupported
	}
	if _, err := b.path(key); err != nil {
		return nil, err
	}
	url, expiresAt, err := b.signer.SignURL(method, b.urlPrefix+"/"+key, expiresIn)
	if err != nil {
		return nil, gateway.NewStorageError(backendName, "presign", key, err)
	}
	return &gateway.PresignedURL{URL: url, ExpiresAt: expiresAt}, nil
}

var _ gateway.Storage = (*Backend)(nil)
