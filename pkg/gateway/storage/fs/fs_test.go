package fs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/presigned"
	"github.com/tendant/object-gateway/pkg/gateway/storage/storagetest"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return b
}

func TestFSConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gateway.Storage {
		return newTestBackend(t)
	})
}

func TestFSConformanceWithPresign(t *testing.T) {
	signer := presigned.New(presigned.WithSecretKey("secret"))
	storagetest.Run(t, func(t *testing.T) gateway.Storage {
		b, err := New(Config{BaseDir: t.TempDir(), URLPrefix: "/presigned/local", Signer: signer})
		require.NoError(t, err)
		return b
	})
}

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSidecarLayout(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "docs/a.txt", []byte("hello"), gateway.NewMetadata("docs/a.txt", 5)))

	payload, err := os.ReadFile(filepath.Join(b.BaseDir(), "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	sidecar, err := os.ReadFile(filepath.Join(b.BaseDir(), "docs", "a.txt.metadata.json"))
	require.NoError(t, err)
	meta, err := gateway.DecodeMetadata(sidecar)
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", meta.Key)

	entries, err := os.ReadDir(filepath.Join(b.BaseDir(), "docs"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestOrphanPayloadIsInvisible(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	// A crash between the two writes leaves a payload with no sidecar.
	require.NoError(t, os.WriteFile(filepath.Join(b.BaseDir(), "orphan.bin"), []byte("x"), 0644))

	exists, err := b.Exists(ctx, "orphan.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = b.Get(ctx, "orphan.bin")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	list, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Overwriting the orphan commits it.
	require.NoError(t, b.Put(ctx, "orphan.bin", []byte("y"), nil))
	data, _, err := b.Get(ctx, "orphan.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), data)
}

func TestDeleteRemovesEmptyDirectories(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "a/b/c.txt", []byte("x"), nil))
	require.NoError(t, b.Put(ctx, "a/keep.txt", []byte("y"), nil))
	require.NoError(t, b.Delete(ctx, "a/b/c.txt"))

	_, err := os.Stat(filepath.Join(b.BaseDir(), "a", "b"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(b.BaseDir(), "a"))
	assert.NoError(t, err)
	_, err = os.Stat(b.BaseDir())
	assert.NoError(t, err)
}

func TestRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	tests := []string{"../escape", "a/../../escape", "x.metadata.json"}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			err := b.Put(ctx, key, []byte("x"), nil)
			assert.ErrorIs(t, err, gateway.ErrInvalidMetadata)
		})
	}
}

func TestRejectsFileDirectoryConflicts(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "a", []byte("file"), nil))
	err := b.Put(ctx, "a/b", []byte("nested"), nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidMetadata)
	assert.ErrorContains(t, err, "nested under existing object \"a\"")

	require.NoError(t, b.Put(ctx, "dir/x/y", []byte("deep"), nil))
	err = b.Put(ctx, "dir/x", []byte("prefix"), nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidMetadata)
	assert.ErrorContains(t, err, "prefix of existing objects")

	require.NoError(t, b.Put(ctx, "dir/z", []byte("sibling"), nil))
	data, _, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("file"), data)
}

func TestPresignedURLValidates(t *testing.T) {
	ctx := context.Background()
	signer := presigned.New(presigned.WithSecretKey("secret"))
	b, err := New(Config{BaseDir: t.TempDir(), URLPrefix: "/presigned/local/", Signer: signer})
	require.NoError(t, err)

	url, err := b.PresignDownload(ctx, "docs/a.txt", time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), url.ExpiresAt, 2*time.Second)

	req := httptest.NewRequest(http.MethodGet, url.URL, nil)
	assert.Equal(t, "/presigned/local/docs/a.txt", req.URL.Path)
	assert.NoError(t, signer.ValidateRequest(req))

	_, err = newTestBackend(t).PresignUpload(ctx, "docs/a.txt", time.Minute)
	assert.ErrorIs(t, err, gateway.ErrPresignNotSupported)
}
