// Package redis stores objects in Redis as "{prefix}data:{key}" and
// "{prefix}meta:{key}" strings, indexed by the "{prefix}list" set. Payload,
// metadata and index are written in one MULTI/EXEC transaction.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/object-gateway/pkg/gateway"
)

const backendName = "redis"

// Config options for the Redis backend
type Config struct {
	Addr     string        // host:port
	Password string        // Optional password
	DB       int           // Database number
	Prefix   string        // Key namespace, default "gateway:"
	TTL      time.Duration // Optional expiry for every object
}

// Backend implements gateway.Storage on Redis
type Backend struct {
	gateway.PresignUnsupported

	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, config), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient, config Config) *Backend {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "gateway:"
	}
	return &Backend{
		client: client,
		prefix: prefix,
		ttl:    config.TTL,
		logger: slog.Default().With("backend", backendName),
	}
}

// WithLogger replaces the logger and returns the receiver.
func (b *Backend) WithLogger(logger *slog.Logger) *Backend {
	b.logger = logger.With("backend", backendName)
	return b
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) dataKey(key string) string { return b.prefix + "data:" + key }
func (b *Backend) metaKey(key string) string { return b.prefix + "meta:" + key }
func (b *Backend) listKey() string           { return b.prefix + "list" }

// Put writes payload, metadata and the index entry in one transaction
func (b *Backend) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) error {
	stored, err := gateway.PrepareForPut(key, meta)
	if err != nil {
		return err
	}
	encoded, err := gateway.EncodeMetadata(stored)
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.dataKey(key), data, b.ttl)
		pipe.Set(ctx, b.metaKey(key), encoded, b.ttl)
		pipe.SAdd(ctx, b.listKey(), key)
		return nil
	})
	if err != nil {
		return gateway.NewStorageError(backendName, "put", key, err)
	}
	return nil
}

// Get reads payload and metadata in one round trip
func (b *Backend) Get(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	pipe := b.client.Pipeline()
	dataCmd := pipe.Get(ctx, b.dataKey(key))
	metaCmd := pipe.Get(ctx, b.metaKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, gateway.NewStorageError(backendName, "get", key, err)
	}

	data, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, gateway.NotFoundError("object", key)
	} else if err != nil {
		return nil, nil, gateway.NewStorageError(backendName, "get", key, err)
	}
	raw, err := metaCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, gateway.NotFoundError("object", key)
	} else if err != nil {
		return nil, nil, gateway.NewStorageError(backendName, "get", key, err)
	}

	meta, err := gateway.DecodeMetadata(raw)
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

// Delete removes payload, metadata and the index entry
func (b *Backend) Delete(ctx context.Context, key string) error {
	var del *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, b.metaKey(key))
		pipe.Del(ctx, b.dataKey(key))
		pipe.SRem(ctx, b.listKey(), key)
		return nil
	})
	if err != nil {
		return gateway.NewStorageError(backendName, "delete", key, err)
	}
	if del.Val() == 0 {
		return gateway.NotFoundError("object", key)
	}
	return nil
}

// List reads the index set and fetches metadata for matching keys. Index
// entries whose objects expired are pruned.
func (b *Backend) List(ctx context.Context, prefix string) ([]*gateway.Metadata, error) {
	members, err := b.client.SMembers(ctx, b.listKey()).Result()
	if err != nil {
		return nil, gateway.NewStorageError(backendName, "list", prefix, err)
	}

	var keys []string
	for _, key := range members {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	result := make([]*gateway.Metadata, 0, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, b.metaKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, gateway.NewStorageError(backendName, "list", prefix, err)
	}

	var stale []any
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, keys[i])
			continue
		} else if err != nil {
			return nil, gateway.NewStorageError(backendName, "list", prefix, err)
		}
		meta, err := gateway.DecodeMetadata(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}

	if len(stale) > 0 {
		if err := b.client.SRem(ctx, b.listKey(), stale...).Err(); err != nil {
			b.logger.Warn("failed to prune expired index entries", "count", len(stale), "error", err)
		}
	}
	return result, nil
}

// Exists reports whether both payload and metadata are present
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.dataKey(key), b.metaKey(key)).Result()
	if err != nil {
		return false, gateway.NewStorageError(backendName, "exists", key, err)
	}
	return n == 2, nil
}

// GetMetadata reads the metadata string only
func (b *Backend) GetMetadata(ctx context.Context, key string) (*gateway.Metadata, error) {
	raw, err := b.client.Get(ctx, b.metaKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gateway.NotFoundError("object", key)
	} else if err != nil {
		return nil, gateway.NewStorageError(backendName, "get_metadata", key, err)
	}
	return gateway.DecodeMetadata(raw)
}

var _ gateway.Storage = (*Backend)(nil)
