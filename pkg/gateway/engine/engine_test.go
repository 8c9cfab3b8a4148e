package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/cache"
	"github.com/tendant/object-gateway/pkg/gateway/sharing"
	"github.com/tendant/object-gateway/pkg/gateway/storage/memory"
)

func newEngine(t *testing.T, opts ...Option) (*Engine, *memory.Backend) {
	t.Helper()
	store := memory.New()
	c := cache.New(cache.Config{MaxCapacity: 100, TTL: time.Hour, MaxFileSize: 1 << 20, Enabled: true})
	e, err := New(append([]Option{WithStorage("local", store), WithCache(c)}, opts...)...)
	require.NoError(t, err)
	return e, store
}

func upload(t *testing.T, e *Engine, key, body string) *UploadResult {
	t.Helper()
	res, err := e.Upload(context.Background(), "local", key, []byte(body), nil)
	require.NoError(t, err)
	return res
}

type closingStorage struct {
	*memory.Backend
	closed bool
}

func (c *closingStorage) Close() error {
	c.closed = true
	return errors.New("boom")
}

func TestNewValidation(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(WithStorage("a", memory.New()), WithStorage("a", memory.New()))
	assert.ErrorContains(t, err, "duplicate")

	_, err = New(WithStorage("a", memory.New()), WithDeduplication("b"))
	assert.ErrorContains(t, err, "unknown storage")
}

func TestBackendLookup(t *testing.T) {
	e, err := New(WithStorage("b", memory.New()), WithStorage("a", memory.New()), WithDeduplication("b"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, e.Names())
	assert.Len(t, e.Storages(), 2)

	b, err := e.Backend("b")
	require.NoError(t, err)
	assert.NotNil(t, b.Dedup)
	assert.NotNil(t, b.Versions)

	a, err := e.Backend("a")
	require.NoError(t, err)
	assert.Nil(t, a.Dedup)

	_, err = e.Backend("missing")
	assert.ErrorIs(t, err, gateway.ErrStorageNotFound)
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestUploadDownload(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	res := upload(t, e, "docs/a.txt", "hello")
	assert.False(t, res.Deduplicated)
	assert.Equal(t, int64(5), res.Metadata.Size)
	assert.Equal(t, gateway.ComputeHash([]byte("hello")), res.Metadata.ContentHash)

	data, meta, err := e.Download(ctx, "local", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "docs/a.txt", meta.Key)
	assert.Equal(t, 1, e.Cache().Stats().EntryCount)

	upload(t, e, "docs/a.txt", "changed")
	data, _, err = e.Download(ctx, "local", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "changed", string(data), "upload must invalidate the cached copy")

	_, _, err = e.Download(ctx, "nope", "docs/a.txt")
	assert.ErrorIs(t, err, gateway.ErrStorageNotFound)
}

func TestDeduplicatedUpload(t *testing.T) {
	e, store := newEngine(t, WithDeduplication())
	ctx := context.Background()

	first := upload(t, e, "a.txt", "same bytes")
	second := upload(t, e, "b.txt", "same bytes")
	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, "a.txt", second.CanonicalKey)

	raw, _, err := store.Get(ctx, "b.txt")
	require.NoError(t, err)
	assert.Empty(t, raw)

	data, meta, err := e.Download(ctx, "local", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "same bytes", string(data))
	assert.Equal(t, "b.txt", meta.Key)

	require.NoError(t, e.Delete(ctx, "local", "a.txt"))
	data, _, err = e.Download(ctx, "local", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "same bytes", string(data))
}

func TestSoftDeleteAndRestore(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	upload(t, e, "a.txt", "x")

	_, _, err := e.Download(ctx, "local", "a.txt")
	require.NoError(t, err)

	meta, err := e.SoftDelete(ctx, "local", "a.txt")
	require.NoError(t, err)
	assert.True(t, meta.IsDeleted)

	_, _, err = e.Download(ctx, "local", "a.txt")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	stored, err := e.Metadata(ctx, "local", "a.txt")
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)

	trash, err := e.Trash(ctx, "local")
	require.NoError(t, err)
	require.Len(t, trash, 1)

	_, err = e.RestoreDeleted(ctx, "local", "a.txt")
	require.NoError(t, err)
	data, _, err := e.Download(ctx, "local", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestEmptyTrash(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	upload(t, e, "keep.txt", "1")
	upload(t, e, "drop.txt", "2")
	_, err := e.SoftDelete(ctx, "local", "drop.txt")
	require.NoError(t, err)

	n, err := e.EmptyTrash(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestListHidesVersionsAndDeleted(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	upload(t, e, "b.txt", "b")
	upload(t, e, "a.txt", "a")
	_, err := e.CreateVersion(ctx, "local", "a.txt", []byte("a2"))
	require.NoError(t, err)
	upload(t, e, "gone.txt", "g")
	_, err = e.SoftDelete(ctx, "local", "gone.txt")
	require.NoError(t, err)

	records, err := e.List(ctx, "local", ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.txt", records[0].Key)
	assert.Equal(t, "b.txt", records[1].Key)

	all, err := e.List(ctx, "local", ListOptions{IncludeDeleted: true, IncludeVersions: true})
	require.NoError(t, err)
	assert.Len(t, all, 5, "two version copies of a.txt, the pointer, b.txt and gone.txt")

	filtered, err := e.List(ctx, "local", ListOptions{Filter: gateway.FilterParams{NamePattern: "b."}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b.txt", filtered[0].Key)
}

func TestVersionedDownload(t *testing.T) {
	for _, dedupOn := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "dedup"}[dedupOn], func(t *testing.T) {
			var opts []Option
			if dedupOn {
				opts = append(opts, WithDeduplication())
			}
			e, _ := newEngine(t, opts...)
			ctx := context.Background()

			v1 := upload(t, e, "doc.txt", "one")
			_, _, err := e.Download(ctx, "local", "doc.txt")
			require.NoError(t, err)

			v2, err := e.CreateVersion(ctx, "local", "doc.txt", []byte("two"))
			require.NoError(t, err)
			assert.Equal(t, 2, v2.Version)

			data, meta, err := e.Download(ctx, "local", "doc.txt")
			require.NoError(t, err)
			assert.Equal(t, "two", string(data))
			assert.Equal(t, 2, meta.Version)

			restored, err := e.RestoreVersion(ctx, "local", "doc.txt", v1.Metadata.VersionID)
			require.NoError(t, err)
			assert.Equal(t, 3, restored.Version)

			data, _, err = e.Download(ctx, "local", "doc.txt")
			require.NoError(t, err)
			assert.Equal(t, "one", string(data))
		})
	}
}

func TestVersioningKeepsDeduplicatedCopiesReadable(t *testing.T) {
	e, _ := newEngine(t, WithDeduplication())
	ctx := context.Background()

	upload(t, e, "a", "shared-content")
	b := upload(t, e, "b", "shared-content")
	require.True(t, b.Deduplicated)

	_, err := e.CreateVersion(ctx, "local", "a", []byte("new content for a"))
	require.NoError(t, err)

	data, meta, err := e.Download(ctx, "local", "b")
	require.NoError(t, err)
	assert.Equal(t, "shared-content", string(data))
	assert.Equal(t, "b", meta.Key)

	data, _, err = e.Download(ctx, "local", "a")
	require.NoError(t, err)
	assert.Equal(t, "new content for a", string(data))

	c := upload(t, e, "c", "shared-content")
	assert.True(t, c.Deduplicated)
	data, _, err = e.Download(ctx, "local", "c")
	require.NoError(t, err)
	assert.Equal(t, "shared-content", string(data))

	backend, err := e.Backend("local")
	require.NoError(t, err)
	canonical, ok := backend.Dedup.CanonicalKey(gateway.ComputeHash([]byte("shared-content")))
	require.True(t, ok)
	assert.NotEqual(t, "a", canonical)
}

type pointerFailingStorage struct {
	*memory.Backend
	failKey string
}

func (s *pointerFailingStorage) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) error {
	if key == s.failKey {
		return errors.New("unavailable")
	}
	return s.Backend.Put(ctx, key, data, meta)
}

func TestDownloadAfterFailedPointerWrite(t *testing.T) {
	store := &pointerFailingStorage{Backend: memory.New()}
	e, err := New(WithStorage("local", store))
	require.NoError(t, err)
	ctx := context.Background()

	upload(t, e, "doc.txt", "one")
	store.failKey = "doc.txt"
	_, err = e.CreateVersion(ctx, "local", "doc.txt", []byte("two"))
	require.ErrorIs(t, err, gateway.ErrPartialWrite)
	store.failKey = ""

	data, meta, err := e.Download(ctx, "local", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assert.Equal(t, 2, meta.Version)
}

func TestCreateVersionMissing(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.CreateVersion(context.Background(), "local", "missing", []byte("x"))
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestSetTagsAndListTags(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	upload(t, e, "a.txt", "a")
	upload(t, e, "b.txt", "b")

	meta, err := e.SetTags(ctx, "local", "a.txt", []string{"red", "blue", "red"})
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "blue"}, meta.Tags)
	_, err = e.SetTags(ctx, "local", "b.txt", []string{"blue", "green"})
	require.NoError(t, err)

	tags, err := e.Tags(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, []string{"blue", "green", "red"}, tags)
}

func TestRebuildIndexes(t *testing.T) {
	e, err := New(
		WithStorage("plain", memory.New()),
		WithStorage("deduped", memory.New()),
		WithDeduplication("deduped"),
	)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = e.Upload(ctx, "deduped", "a", []byte("aaa"), nil)
	require.NoError(t, err)
	_, err = e.Upload(ctx, "deduped", "b", []byte("bbb"), nil)
	require.NoError(t, err)

	counts, err := e.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"deduped": 2}, counts)
}

func TestClose(t *testing.T) {
	cs := &closingStorage{Backend: memory.New()}
	e, err := New(WithStorage("c", cs), WithStorage("m", memory.New()))
	require.NoError(t, err)

	err = e.Close()
	assert.ErrorContains(t, err, "boom")
	assert.True(t, cs.closed)
}

func TestShareLinkAccess(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	upload(t, e, "report.pdf", "pdf")

	_, err := e.CreateShareLink(ctx, "local", "missing.pdf", time.Hour)
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	link, err := e.CreateShareLink(ctx, "local", "report.pdf", time.Hour,
		sharing.WithMaxDownloads(1), sharing.WithPassword("pw"))
	require.NoError(t, err)

	_, _, _, err = e.AccessShareLink(ctx, link.ID, "")
	assert.ErrorIs(t, err, sharing.ErrPasswordRequired)
	_, _, _, err = e.AccessShareLink(ctx, link.ID, "wrong")
	assert.ErrorIs(t, err, sharing.ErrInvalidPassword)

	data, _, updated, err := e.AccessShareLink(ctx, link.ID, "pw")
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))
	assert.Equal(t, uint32(1), updated.DownloadCount)

	_, _, _, err = e.AccessShareLink(ctx, link.ID, "pw")
	assert.ErrorIs(t, err, sharing.ErrLinkInvalid)

	_, _, _, err = e.AccessShareLink(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestFailedReadDoesNotCountDownload(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	upload(t, e, "a.txt", "a")
	link, err := e.CreateShareLink(ctx, "local", "a.txt", time.Hour, sharing.WithMaxDownloads(1))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "a.txt"))
	e.Cache().Clear()

	_, _, _, err = e.AccessShareLink(ctx, link.ID, "")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	current, err := e.ShareLinks().GetLink(link.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), current.DownloadCount)
}

func TestUploadViaShareLink(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	link, err := e.CreateShareLink(ctx, "local", "inbox/upload.bin", time.Hour,
		sharing.AsUploadLink(), sharing.WithMaxDownloads(1))
	require.NoError(t, err)

	_, _, _, err = e.AccessShareLink(ctx, link.ID, "")
	assert.ErrorIs(t, err, sharing.ErrLinkInvalid)

	res, updated, err := e.UploadViaShareLink(ctx, link.ID, "", []byte("payload"), "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "inbox/upload.bin", res.Metadata.Key)
	assert.Equal(t, uint32(1), updated.DownloadCount)

	_, _, err = e.UploadViaShareLink(ctx, link.ID, "", []byte("again"), "")
	assert.ErrorIs(t, err, sharing.ErrLinkInvalid)

	data, _, err := e.Download(ctx, "local", "inbox/upload.bin")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
