package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
	assert.Equal(t, "memory", cfg.DefaultStorageBackend)
	require.Len(t, cfg.StorageBackends, 1)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 1000, cfg.Cache.MaxCapacity)
	assert.False(t, cfg.NewSigner().IsEnabled())
}

func TestWithPort(t *testing.T) {
	cfg, err := Load(WithPort("9090"))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)

	_, err = Load(WithPort(""))
	assert.Error(t, err)
}

func TestWithLogging(t *testing.T) {
	cfg, err := Load(WithLogging("debug", "json"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = Load(WithLogging("info", "xml"))
	assert.Error(t, err)
}

func TestStorageOptions(t *testing.T) {
	cfg, err := Load(
		WithFilesystemStorage("", "./data"),
		WithS3Storage("archive", "bucket", ""),
		WithS3Endpoint("archive", "http://localhost:9000", true),
		WithS3Credentials("archive", "key", "secret"),
		WithPostgresStorage("", "postgres://localhost/db"),
		WithSQLiteStorage("", "file:gw.db"),
		WithRedisStorage("", "redis://localhost:6379/0"),
		WithDefaultStorage("fs"),
		WithDeduplication("fs", "archive"),
	)
	require.NoError(t, err)
	require.Len(t, cfg.StorageBackends, 6)

	fs := cfg.StorageBackends[indexOf(cfg.StorageBackends, "fs")]
	assert.Equal(t, TypeFS, fs.Type)
	assert.Equal(t, "./data", fs.Config["base_dir"])
	assert.True(t, fs.Deduplicate)

	s3 := cfg.StorageBackends[indexOf(cfg.StorageBackends, "archive")]
	assert.Equal(t, "us-east-1", s3.Config["region"])
	assert.Equal(t, "http://localhost:9000", s3.Config["endpoint"])
	assert.Equal(t, true, s3.Config["use_path_style"])
	assert.Equal(t, "key", s3.Config["access_key_id"])
	assert.True(t, s3.Deduplicate)

	assert.GreaterOrEqual(t, indexOf(cfg.StorageBackends, "postgres"), 0)
	assert.GreaterOrEqual(t, indexOf(cfg.StorageBackends, "sqlite"), 0)
	assert.GreaterOrEqual(t, indexOf(cfg.StorageBackends, "redis"), 0)
}

func TestOptionErrors(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"empty fs dir", []Option{WithFilesystemStorage("fs", "")}},
		{"empty bucket", []Option{WithS3Storage("s3", "", "")}},
		{"endpoint on non-s3 backend", []Option{WithS3Endpoint("memory", "http://x", false)}},
		{"dedup unknown backend", []Option{WithDeduplication("nope")}},
		{"unknown default", []Option{WithDefaultStorage("nope")}},
		{"bad cache limits", []Option{WithCache(0, time.Minute, 1)}},
		{"empty presign secret", []Option{WithPresignedURLs("", "", 0)}},
		{"non-positive cleanup", []Option{WithShareCleanupInterval(0)}},
		{"webhook without url", []Option{WithWebhook("w", webhooks.Config{})}},
		{"empty postgres url", []Option{WithPostgresStorage("pg", "")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.StorageBackends = append(cfg.StorageBackends, StorageBackendConfig{Name: "memory", Type: TypeMemory})
	assert.ErrorContains(t, cfg.Validate(), "duplicate")

	cfg = defaults()
	cfg.StorageBackends[0].Type = "gcs"
	assert.ErrorContains(t, cfg.Validate(), "unsupported type")

	cfg = defaults()
	cfg.StorageBackends = nil
	assert.Error(t, cfg.Validate())
}

func TestWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := `
host: 127.0.0.1
port: "8080"
default_storage: docs
storages:
  - name: docs
    type: fs
    deduplicate: true
    config:
      base_dir: ` + filepath.Join(dir, "docs") + `
  - name: scratch
    type: memory
cache:
  enabled: true
  max_capacity: 50
  ttl: 30m
  max_file_size: 1024
presign_secret_key: s3cret
webhooks:
  audit:
    url: http://audit.local/hook
    events: [uploaded, deleted]
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(WithFile(path))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, "docs", cfg.DefaultStorageBackend)
	require.Len(t, cfg.StorageBackends, 2)
	assert.True(t, cfg.StorageBackends[0].Deduplicate)
	assert.NotNil(t, cfg.StorageBackends[1].Config)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Cache.MaxCapacity)
	assert.True(t, cfg.NewSigner().IsEnabled())
	require.Contains(t, cfg.Webhooks, "audit")
	assert.Equal(t, []webhooks.Event{webhooks.EventUploaded, webhooks.EventDeleted}, cfg.Webhooks["audit"].Events)

	_, err = Load(WithFile(filepath.Join(dir, "missing.yaml")))
	assert.Error(t, err)
}

func TestBuildEngine(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(
		WithFilesystemStorage("files", filepath.Join(dir, "files")),
		WithSQLiteStorage("db", filepath.Join(dir, "gateway.db")),
		WithDeduplication("files"),
		WithPresignedURLs("secret", "http://gw.local", time.Minute),
		WithCache(10, time.Minute, 1024),
	)
	require.NoError(t, err)

	logger := slog.Default()
	e, err := cfg.BuildEngine(context.Background(), cfg.NewSigner(), logger)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, []string{"db", "files", "memory"}, e.Names())
	assert.True(t, e.Cache().Enabled())

	files, err := e.Backend("files")
	require.NoError(t, err)
	assert.NotNil(t, files.Dedup)

	db, err := e.Backend("db")
	require.NoError(t, err)
	assert.Nil(t, db.Dedup)

	url, err := files.Storage.PresignDownload(context.Background(), "a.txt", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url.URL, "http://gw.local/presigned/files/a.txt?"), url.URL)
}

func TestBuildEngineRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := Load(WithRedisStorage("cache", "redis://"+mr.Addr()+"/0"))
	require.NoError(t, err)

	e, err := cfg.BuildEngine(context.Background(), cfg.NewSigner(), slog.Default())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Upload(context.Background(), "cache", "k", []byte("v"), nil)
	require.NoError(t, err)
	assert.True(t, mr.Exists("gateway:data:k"))
}

func TestBuildEngineFailure(t *testing.T) {
	cfg, err := Load(WithSQLiteStorage("db", "file:gw.db"))
	require.NoError(t, err)
	cfg.StorageBackends = append(cfg.StorageBackends, StorageBackendConfig{Name: "pg", Type: TypePostgres, Config: map[string]any{}})

	_, err = cfg.BuildEngine(context.Background(), nil, slog.Default())
	assert.ErrorContains(t, err, "pg")
}

func TestNewWebhookManager(t *testing.T) {
	cfg, err := Load(WithWebhook("audit", webhooks.Config{URL: "http://x", Events: []webhooks.Event{webhooks.EventDeleted}, Enabled: true}))
	require.NoError(t, err)

	m, err := cfg.NewWebhookManager(slog.Default())
	require.NoError(t, err)
	require.Len(t, m.List(), 1)
	assert.Equal(t, "audit", m.List()[0].Name)
}

func TestConfigHelpers(t *testing.T) {
	m := map[string]any{
		"s": "x", "b": true, "bs": "true", "i": 3, "i64": int64(4), "f": 5.0, "is": "6",
		"d": "2s", "di": 7, "bad": []int{1},
	}
	assert.Equal(t, "x", getString(m, "s", "def"))
	assert.Equal(t, "def", getString(m, "bad", "def"))
	assert.True(t, getBool(m, "b", false))
	assert.True(t, getBool(m, "bs", false))
	assert.Equal(t, 3, getInt(m, "i", 0))
	assert.Equal(t, 4, getInt(m, "i64", 0))
	assert.Equal(t, 5, getInt(m, "f", 0))
	assert.Equal(t, 6, getInt(m, "is", 0))
	assert.Equal(t, 9, getInt(m, "missing", 9))
	assert.Equal(t, 2*time.Second, getDuration(m, "d", 0))
	assert.Equal(t, 7*time.Second, getDuration(m, "di", 0))
}

func TestRedisBackendConfig(t *testing.T) {
	rc, err := redisBackendConfig(map[string]any{"url": "redis://:pw@localhost:6380/2", "prefix": "gw:"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", rc.Addr)
	assert.Equal(t, "pw", rc.Password)
	assert.Equal(t, 2, rc.DB)
	assert.Equal(t, "gw:", rc.Prefix)

	_, err = redisBackendConfig(map[string]any{"url": "http://nope"})
	assert.Error(t, err)
}
