package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// WithFile reads a YAML configuration file over the current values.
// Keys absent from the file keep their values.
func WithFile(path string) Option {
	return func(c *ServerConfig) error {
		if path == "" {
			return fmt.Errorf("config file path cannot be empty")
		}
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		for i := range c.StorageBackends {
			if c.StorageBackends[i].Config == nil {
				c.StorageBackends[i].Config = map[string]any{}
			}
		}
		return nil
	}
}

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithHost sets the listen host
func WithHost(host string) Option {
	return func(c *ServerConfig) error {
		c.Host = host
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithLogging sets log level and format
func WithLogging(level, format string) Option {
	return func(c *ServerConfig) error {
		if format != "text" && format != "json" {
			return fmt.Errorf("log format must be 'text' or 'json', got: %s", format)
		}
		c.LogLevel = level
		c.LogFormat = format
		return nil
	}
}

// WithDefaultStorage sets the default storage backend name
func WithDefaultStorage(name string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			return fmt.Errorf("default storage backend name cannot be empty")
		}
		c.DefaultStorageBackend = name
		return nil
	}
}

// WithMemoryStorage adds a memory storage backend
// If name is empty, defaults to "memory"
func WithMemoryStorage(name string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "memory"
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name: name,
			Type: TypeMemory,
		})
		return nil
	}
}

// WithFilesystemStorage adds a filesystem storage backend
// If name is empty, defaults to "fs"
func WithFilesystemStorage(name, baseDir string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "fs"
		}
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   TypeFS,
			Config: map[string]any{"base_dir": baseDir},
		})
		return nil
	}
}

// WithS3Storage adds an S3 storage backend
// If name is empty, defaults to "s3"
func WithS3Storage(name, bucket, region string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "s3"
		}
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   TypeS3,
			Config: map[string]any{"bucket": bucket, "region": region},
		})
		return nil
	}
}

// WithS3Endpoint sets a custom S3 endpoint (for MinIO, LocalStack, etc.)
func WithS3Endpoint(name, endpoint string, usePathStyle bool) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "s3"
		}
		return setBackendValues(c, name, TypeS3, map[string]any{
			"endpoint":       endpoint,
			"use_path_style": usePathStyle,
		})
	}
}

// WithS3Credentials sets static credentials for an S3 backend
func WithS3Credentials(name, accessKeyID, secretAccessKey string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "s3"
		}
		return setBackendValues(c, name, TypeS3, map[string]any{
			"access_key_id":     accessKeyID,
			"secret_access_key": secretAccessKey,
		})
	}
}

// WithPostgresStorage adds a PostgreSQL storage backend
func WithPostgresStorage(name, url string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "postgres"
		}
		if url == "" {
			return fmt.Errorf("postgres URL cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   TypePostgres,
			Config: map[string]any{"url": url},
		})
		return nil
	}
}

// WithSQLiteStorage adds a SQLite storage backend
func WithSQLiteStorage(name, dsn string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "sqlite"
		}
		if dsn == "" {
			return fmt.Errorf("sqlite DSN cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   TypeSQLite,
			Config: map[string]any{"dsn": dsn},
		})
		return nil
	}
}

// WithRedisStorage adds a Redis storage backend from a redis:// URL
func WithRedisStorage(name, url string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "redis"
		}
		if url == "" {
			return fmt.Errorf("redis URL cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   TypeRedis,
			Config: map[string]any{"url": url},
		})
		return nil
	}
}

// WithDeduplication enables deduplication on the named backends
func WithDeduplication(names ...string) Option {
	return func(c *ServerConfig) error {
		for _, name := range names {
			i := indexOf(c.StorageBackends, name)
			if i < 0 {
				return fmt.Errorf("storage backend '%s' is not configured", name)
			}
			c.StorageBackends[i].Deduplicate = true
		}
		return nil
	}
}

// WithCache enables the download cache
func WithCache(maxCapacity int, ttl time.Duration, maxFileSize int64) Option {
	return func(c *ServerConfig) error {
		if maxCapacity <= 0 || ttl <= 0 || maxFileSize <= 0 {
			return fmt.Errorf("cache limits must be positive")
		}
		c.Cache.Enabled = true
		c.Cache.MaxCapacity = maxCapacity
		c.Cache.TTL = ttl
		c.Cache.MaxFileSize = maxFileSize
		return nil
	}
}

// WithPresignedURLs enables gateway-signed URLs for filesystem backends
func WithPresignedURLs(secretKey, publicBaseURL string, expiration time.Duration) Option {
	return func(c *ServerConfig) error {
		if secretKey == "" {
			return fmt.Errorf("presign secret key cannot be empty")
		}
		c.PresignSecretKey = secretKey
		c.PublicBaseURL = publicBaseURL
		if expiration > 0 {
			c.PresignExpiration = expiration
		}
		return nil
	}
}

// WithShareCleanupInterval sets how often expired share links are swept
func WithShareCleanupInterval(d time.Duration) Option {
	return func(c *ServerConfig) error {
		if d <= 0 {
			return fmt.Errorf("share cleanup interval must be positive, got: %s", d)
		}
		c.ShareCleanupInterval = d
		return nil
	}
}

// WithWebhook registers a webhook at startup
func WithWebhook(name string, hook webhooks.Config) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			return fmt.Errorf("webhook name cannot be empty")
		}
		if c.Webhooks == nil {
			c.Webhooks = make(map[string]webhooks.Config)
		}
		c.Webhooks[name] = hook
		return nil
	}
}

func setBackendValues(c *ServerConfig, name, backendType string, values map[string]any) error {
	i := indexOf(c.StorageBackends, name)
	if i < 0 {
		c.StorageBackends = append(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   backendType,
			Config: values,
		})
		return nil
	}
	if c.StorageBackends[i].Type != backendType {
		return fmt.Errorf("storage backend '%s' is %s, not %s", name, c.StorageBackends[i].Type, backendType)
	}
	if c.StorageBackends[i].Config == nil {
		c.StorageBackends[i].Config = map[string]any{}
	}
	for k, v := range values {
		c.StorageBackends[i].Config[k] = v
	}
	return nil
}

func indexOf(backends []StorageBackendConfig, name string) int {
	for i := range backends {
		if backends[i].Name == name {
			return i
		}
	}
	return -1
}

func upsertStorageBackend(backends []StorageBackendConfig, backend StorageBackendConfig) []StorageBackendConfig {
	if backend.Config == nil {
		backend.Config = map[string]any{}
	}
	if i := indexOf(backends, backend.Name); i >= 0 {
		backend.Deduplicate = backends[i].Deduplicate
		backends[i] = backend
		return backends
	}
	return append(backends, backend)
}
