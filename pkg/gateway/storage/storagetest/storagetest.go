// Package storagetest holds the behaviour every gateway.Storage adapter
// must share. Adapter tests call Run with a constructor for a fresh,
// empty backend.
package storagetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// Factory returns an empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) gateway.Storage

// Run executes the conformance suite against backends built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s gateway.Storage)
	}{
		{"PutGet", testPutGet},
		{"PutStampsKey", testPutStampsKey},
		{"Overwrite", testOverwrite},
		{"EmptyPayload", testEmptyPayload},
		{"NilMetadata", testNilMetadata},
		{"InvalidMetadata", testInvalidMetadata},
		{"Missing", testMissing},
		{"Delete", testDelete},
		{"Exists", testExists},
		{"ListPrefix", testListPrefix},
		{"ListNested", testListNested},
		{"Presign", testPresign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage(t))
		})
	}
}

func testPutGet(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	meta := gateway.NewMetadata("doc.txt", 11).WithContentType("text/plain")
	meta.Custom["author"] = "alice"
	meta.AddTag("important")
	meta.ContentHash = gateway.ComputeHash([]byte("hello world"))

	require.NoError(t, s.Put(ctx, "doc.txt", []byte("hello world"), meta))

	data, got, err := s.Get(ctx, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
	assert.Equal(t, "doc.txt", got.Key)
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, int64(11), got.Size)
	assert.Equal(t, meta.VersionID, got.VersionID)
	assert.Equal(t, meta.ContentHash, got.ContentHash)
	assert.Equal(t, "alice", got.Custom["author"])
	assert.True(t, got.HasTag("important"))
	assert.WithinDuration(t, meta.CreatedAt, got.CreatedAt, time.Millisecond)

	onlyMeta, err := s.GetMetadata(ctx, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, got.VersionID, onlyMeta.VersionID)
}

func testPutStampsKey(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	meta := gateway.NewMetadata("original-name.txt", 3)

	require.NoError(t, s.Put(ctx, "stored/key.txt", []byte("abc"), meta))
	assert.Equal(t, "stored/key.txt", meta.Key)

	got, err := s.GetMetadata(ctx, "stored/key.txt")
	require.NoError(t, err)
	assert.Equal(t, "stored/key.txt", got.Key)
}

func testOverwrite(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("one"), gateway.NewMetadata("k", 3)))
	second := gateway.NewMetadata("k", 3)
	require.NoError(t, s.Put(ctx, "k", []byte("two"), second))

	data, meta, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
	assert.Equal(t, second.VersionID, meta.VersionID)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testEmptyPayload(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "empty", []byte{}, gateway.NewMetadata("empty", 0)))

	data, meta, err := s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, int64(0), meta.Size)
}

func testNilMetadata(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "bare", []byte("x"), nil))

	meta, err := s.GetMetadata(ctx, "bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", meta.Key)
	assert.Equal(t, 1, meta.Version)
}

func testInvalidMetadata(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	bad := gateway.NewMetadata("bad", 1)
	bad.Version = 0

	err := s.Put(ctx, "bad", []byte("x"), bad)
	assert.ErrorIs(t, err, gateway.ErrInvalidMetadata)

	err = s.Put(ctx, "", []byte("x"), nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidMetadata)

	exists, err := s.Exists(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testMissing(t *testing.T, s gateway.Storage) {
	ctx := context.Background()

	_, _, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	assert.False(t, errors.Is(err, gateway.ErrStorage))

	_, err = s.GetMetadata(ctx, "nope")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	err = s.Delete(ctx, "nope")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func testDelete(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "dir/sub/file.bin", []byte{1, 2, 3}, nil))
	require.NoError(t, s.Delete(ctx, "dir/sub/file.bin"))

	exists, err := s.Exists(ctx, "dir/sub/file.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = s.Get(ctx, "dir/sub/file.bin")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testExists(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	exists, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Put(ctx, "a", []byte("x"), nil))
	exists, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func testListPrefix(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	for _, key := range []string{"a.txt", "a.txt.v2.x", "ab", "b.txt"} {
		require.NoError(t, s.Put(ctx, key, []byte(key), nil))
	}

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "a.txt.v2.x", "ab", "b.txt"}, keys(all))

	a, err := s.List(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "a.txt.v2.x", "ab"}, keys(a))

	none, err := s.List(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListNested(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	for _, key := range []string{"docs/2024/a.txt", "docs/2025/b.txt", "docsx", "img/c.png"} {
		require.NoError(t, s.Put(ctx, key, []byte(key), nil))
	}

	docs, err := s.List(ctx, "docs/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"docs/2024/a.txt", "docs/2025/b.txt"}, keys(docs))

	partial, err := s.List(ctx, "docs/20")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"docs/2024/a.txt", "docs/2025/b.txt"}, keys(partial))

	for _, m := range docs {
		assert.False(t, gateway.IsSidecarKey(m.Key), "sidecar leaked into List: %s", m.Key)
	}
}

func testPresign(t *testing.T, s gateway.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "p", []byte("x"), nil))

	url, err := s.PresignDownload(ctx, "p", time.Hour)
	if errors.Is(err, gateway.ErrPresignNotSupported) {
		_, err = s.PresignUpload(ctx, "p", time.Hour)
		assert.ErrorIs(t, err, gateway.ErrPresignNotSupported)
		return
	}
	require.NoError(t, err)
	assert.NotEmpty(t, url.URL)
	assert.True(t, url.ExpiresAt.After(time.Now()))

	up, err := s.PresignUpload(ctx, "p", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, up.URL)
}

func keys(list []*gateway.Metadata) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.Key)
	}
	slices.Sort(out)
	return out
}
