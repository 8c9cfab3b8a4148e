package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithEnvServer(t *testing.T) {
	t.Setenv("GW_HOST", "127.0.0.1")
	t.Setenv("GW_PORT", "9000")
	t.Setenv("GW_ENVIRONMENT", "production")
	t.Setenv("GW_LOG_LEVEL", "debug")
	t.Setenv("GW_LOG_FORMAT", "json")
	t.Setenv("GW_PRESIGN_SECRET_KEY", "k")
	t.Setenv("GW_PUBLIC_BASE_URL", "https://files.example.com")
	t.Setenv("GW_SHARE_CLEANUP_INTERVAL", "30s")

	cfg, err := Load(WithEnv("GW_"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "k", cfg.PresignSecretKey)
	assert.Equal(t, "https://files.example.com", cfg.PublicBaseURL)
	assert.Equal(t, 30*time.Second, cfg.ShareCleanupInterval)
}

func TestWithEnvStorageURL(t *testing.T) {
	tests := []struct {
		url      string
		name     string
		typ      string
		key      string
		expected any
	}{
		{"file:///var/data", "fs", TypeFS, "base_dir", "/var/data"},
		{"s3://bucket?region=eu-west-1", "s3", TypeS3, "region", "eu-west-1"},
		{"s3://bucket/files/?endpoint=http://localhost:9000", "s3", TypeS3, "prefix", "files/"},
		{"postgres://u:p@localhost/db", "postgres", TypePostgres, "url", "postgres://u:p@localhost/db"},
		{"sqlite:///tmp/gw.db", "sqlite", TypeSQLite, "dsn", "/tmp/gw.db"},
		{"redis://localhost:6379/1", "redis", TypeRedis, "url", "redis://localhost:6379/1"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Setenv("GW_STORAGE_URL", tt.url)
			cfg, err := Load(WithEnv("GW_"))
			require.NoError(t, err)
			assert.Equal(t, tt.name, cfg.DefaultStorageBackend)

			i := indexOf(cfg.StorageBackends, tt.name)
			require.GreaterOrEqual(t, i, 0)
			assert.Equal(t, tt.typ, cfg.StorageBackends[i].Type)
			assert.Equal(t, tt.expected, cfg.StorageBackends[i].Config[tt.key])
		})
	}
}

func TestWithEnvS3Credentials(t *testing.T) {
	t.Setenv("GW_STORAGE_URL", "s3://bucket")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "ap-south-1")

	cfg, err := Load(WithEnv("GW_"))
	require.NoError(t, err)
	s3 := cfg.StorageBackends[indexOf(cfg.StorageBackends, "s3")]
	assert.Equal(t, "AKIA", s3.Config["access_key_id"])
	assert.Equal(t, "ap-south-1", s3.Config["region"])
}

func TestWithEnvMemoryDefault(t *testing.T) {
	t.Setenv("GW_STORAGE_URL", "memory://")
	t.Setenv("GW_DEDUPLICATION", "true")

	cfg, err := Load(WithEnv("GW_"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DefaultStorageBackend)
	assert.True(t, cfg.StorageBackends[0].Deduplicate)
}

func TestWithEnvCache(t *testing.T) {
	t.Setenv("GW_CACHE_ENABLED", "true")
	t.Setenv("GW_CACHE_MAX_CAPACITY", "20")
	t.Setenv("GW_CACHE_TTL", "5m")
	t.Setenv("GW_CACHE_MAX_FILE_SIZE", "4096")

	cfg, err := Load(WithEnv("GW_"))
	require.NoError(t, err)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 20, cfg.Cache.MaxCapacity)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, int64(4096), cfg.Cache.MaxFileSize)
}

func TestWithEnvErrors(t *testing.T) {
	tests := map[string]string{
		"GW_STORAGE_URL":        "ftp://nope",
		"GW_CACHE_ENABLED":      "maybe",
		"GW_CACHE_TTL":          "soon",
		"GW_DEDUPLICATION":      "perhaps",
		"GW_CACHE_MAX_CAPACITY": "many",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(WithEnv("GW_"))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverridesOptions(t *testing.T) {
	t.Setenv("GW_PORT", "7000")
	cfg, err := Load(WithPort("8000"), WithEnv("GW_"))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
}
