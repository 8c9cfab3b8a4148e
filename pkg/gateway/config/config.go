// Package config loads gateway server settings and builds the engine they
// describe.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/cache"
	"github.com/tendant/object-gateway/pkg/gateway/engine"
	"github.com/tendant/object-gateway/pkg/gateway/presigned"
	"github.com/tendant/object-gateway/pkg/gateway/sharing"
	fsstorage "github.com/tendant/object-gateway/pkg/gateway/storage/fs"
	memorystorage "github.com/tendant/object-gateway/pkg/gateway/storage/memory"
	pgstorage "github.com/tendant/object-gateway/pkg/gateway/storage/postgres"
	redisstorage "github.com/tendant/object-gateway/pkg/gateway/storage/redis"
	s3storage "github.com/tendant/object-gateway/pkg/gateway/storage/s3"
	sqlitestorage "github.com/tendant/object-gateway/pkg/gateway/storage/sqlite"
	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// Storage backend types
const (
	TypeMemory   = "memory"
	TypeFS       = "fs"
	TypeS3       = "s3"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
	TypeRedis    = "redis"
)

var backendTypes = map[string]bool{
	TypeMemory: true, TypeFS: true, TypeS3: true,
	TypePostgres: true, TypeSQLite: true, TypeRedis: true,
}

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Host:                  "0.0.0.0",
		Port:                  "3000",
		Environment:           "development",
		LogLevel:              "info",
		LogFormat:             "text",
		DefaultStorageBackend: "memory",
		StorageBackends: []StorageBackendConfig{
			{
				Name:   "memory",
				Type:   TypeMemory,
				Config: map[string]any{},
			},
		},
		Cache:                cache.DefaultConfig(),
		PresignExpiration:    time.Hour,
		ShareCleanupInterval: 5 * time.Minute,
		ShutdownTimeout:      10 * time.Second,
	}
}

// ServerConfig represents gateway server configuration
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"` // development, production, testing
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json

	// Storage configuration
	DefaultStorageBackend string                 `yaml:"default_storage"`
	StorageBackends       []StorageBackendConfig `yaml:"storages"`

	Cache cache.Config `yaml:"cache"`

	// Gateway-served presigned URLs (fs backends)
	PresignSecretKey  string        `yaml:"presign_secret_key"`
	PresignExpiration time.Duration `yaml:"presign_expiration"`
	PublicBaseURL     string        `yaml:"public_base_url"`

	ShareCleanupInterval time.Duration              `yaml:"share_cleanup_interval"`
	Webhooks             map[string]webhooks.Config `yaml:"webhooks"`
	ShutdownTimeout      time.Duration              `yaml:"shutdown_timeout"`
}

// StorageBackendConfig represents configuration for a storage backend
type StorageBackendConfig struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"` // memory, fs, s3, postgres, sqlite, redis
	Deduplicate bool           `yaml:"deduplicate"`
	Config      map[string]any `yaml:"config"`
}

// Addr is the listen address.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if len(c.StorageBackends) == 0 {
		return errors.New("at least one storage backend is required")
	}

	seen := make(map[string]bool)
	for _, backend := range c.StorageBackends {
		if backend.Name == "" {
			return errors.New("storage backend name is required")
		}
		if seen[backend.Name] {
			return fmt.Errorf("duplicate storage backend '%s'", backend.Name)
		}
		seen[backend.Name] = true
		if !backendTypes[backend.Type] {
			return fmt.Errorf("storage backend '%s' has unsupported type '%s'", backend.Name, backend.Type)
		}
	}
	if !seen[c.DefaultStorageBackend] {
		return fmt.Errorf("default storage backend '%s' not found in configured backends", c.DefaultStorageBackend)
	}

	if c.Cache.Enabled && (c.Cache.MaxCapacity <= 0 || c.Cache.TTL <= 0) {
		return errors.New("cache max_capacity and ttl must be positive when the cache is enabled")
	}
	if c.ShareCleanupInterval <= 0 {
		return errors.New("share_cleanup_interval must be positive")
	}
	for name, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook '%s' has no url", name)
		}
	}
	return nil
}

// NewSigner returns the signer for gateway-served presigned URLs. It is
// disabled when no secret key is configured.
func (c *ServerConfig) NewSigner() *presigned.Signer {
	return presigned.New(
		presigned.WithSecretKey(c.PresignSecretKey),
		presigned.WithDefaultExpiration(c.PresignExpiration),
		presigned.WithBaseURL(c.PublicBaseURL),
	)
}

// NewWebhookManager returns a manager with every configured webhook registered.
func (c *ServerConfig) NewWebhookManager(logger *slog.Logger) (*webhooks.Manager, error) {
	m := webhooks.NewManager(webhooks.WithLogger(logger))
	for name, hook := range c.Webhooks {
		if err := m.Register(name, hook); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BuildEngine creates every configured backend and composes them.
func (c *ServerConfig) BuildEngine(ctx context.Context, signer *presigned.Signer, logger *slog.Logger) (*engine.Engine, error) {
	options := []engine.Option{
		engine.WithLogger(logger),
		engine.WithCache(cache.New(c.Cache)),
		engine.WithShareLinks(sharing.NewManager(sharing.WithLogger(logger))),
	}

	var built []gateway.Storage
	var deduplicated []string
	for _, backendConfig := range c.StorageBackends {
		store, err := c.buildStorageBackend(ctx, backendConfig, signer, logger)
		if err != nil {
			closeAll(built)
			return nil, fmt.Errorf("failed to build storage backend %s: %w", backendConfig.Name, err)
		}
		built = append(built, store)
		options = append(options, engine.WithStorage(backendConfig.Name, store))
		if backendConfig.Deduplicate {
			deduplicated = append(deduplicated, backendConfig.Name)
		}
	}
	if len(deduplicated) > 0 {
		options = append(options, engine.WithDeduplication(deduplicated...))
	}

	e, err := engine.New(options...)
	if err != nil {
		closeAll(built)
		return nil, err
	}
	return e, nil
}

func closeAll(stores []gateway.Storage) {
	for _, s := range stores {
		switch c := s.(type) {
		case interface{ Close() error }:
			_ = c.Close()
		case interface{ Close() }:
			c.Close()
		}
	}
}

// buildStorageBackend creates a gateway.Storage based on the backend configuration
func (c *ServerConfig) buildStorageBackend(ctx context.Context, config StorageBackendConfig, signer *presigned.Signer, logger *slog.Logger) (gateway.Storage, error) {
	switch config.Type {
	case TypeMemory:
		return memorystorage.New(), nil

	case TypeFS:
		fsConfig := fsstorage.Config{
			BaseDir:   getString(config.Config, "base_dir", "./data/storage"),
			URLPrefix: getString(config.Config, "url_prefix", "/presigned/"+config.Name),
			Signer:    signer,
		}
		return fsstorage.New(fsConfig)

	case TypeS3:
		s3Config := s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			Prefix:                 getString(config.Config, "prefix", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			PresignDuration:        getInt(config.Config, "presign_duration", 3600),
			EnableSSE:              getBool(config.Config, "enable_sse", false),
			SSEAlgorithm:           getString(config.Config, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(config.Config, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		}
		return s3storage.New(ctx, s3Config)

	case TypePostgres:
		return pgstorage.New(ctx, pgstorage.Config{
			URL:      getString(config.Config, "url", ""),
			MaxConns: int32(getInt(config.Config, "max_conns", 0)),
		})

	case TypeSQLite:
		return sqlitestorage.New(ctx, sqlitestorage.Config{
			DSN: getString(config.Config, "dsn", ""),
		})

	case TypeRedis:
		redisConfig, err := redisBackendConfig(config.Config)
		if err != nil {
			return nil, err
		}
		backend, err := redisstorage.New(ctx, redisConfig)
		if err != nil {
			return nil, err
		}
		return backend.WithLogger(logger), nil

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

// redisBackendConfig reads either a redis:// url or discrete fields.
func redisBackendConfig(config map[string]any) (redisstorage.Config, error) {
	rc := redisstorage.Config{
		Addr:     getString(config, "addr", ""),
		Password: getString(config, "password", ""),
		DB:       getInt(config, "db", 0),
		Prefix:   getString(config, "prefix", ""),
		TTL:      getDuration(config, "ttl", 0),
	}
	if raw := getString(config, "url", ""); raw != "" {
		opts, err := goredis.ParseURL(raw)
		if err != nil {
			return rc, fmt.Errorf("invalid redis url: %w", err)
		}
		rc.Addr, rc.Password, rc.DB = opts.Addr, opts.Password, opts.DB
	}
	return rc, nil
}

func getString(config map[string]any, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]any, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}

func getInt(config map[string]any, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		switch v := value.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
	}
	return defaultValue
}

func getDuration(config map[string]any, key string, defaultValue time.Duration) time.Duration {
	if value, exists := config[key]; exists {
		switch v := value.(type) {
		case time.Duration:
			return v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		case int:
			return time.Duration(v) * time.Second
		}
	}
	return defaultValue
}
