// Package sqlite stores objects as rows of (key, data, metadata) in an
// embedded SQLite database. Payload and metadata share one row, so the
// two-step write protocol does not apply.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/tendant/object-gateway/pkg/gateway"
)

const backendName = "sqlite"

//go:embed migrations/*.sql
var migrations embed.FS

// Config options for the SQLite backend
type Config struct {
	// DSN is a file path or URI, e.g. "file:gateway.db?_pragma=journal_mode(WAL)".
	// ":memory:" keeps everything in process.
	DSN string
}

// Backend implements gateway.Storage on SQLite
type Backend struct {
	gateway.PresignUnsupported

	db *sql.DB
}

// New opens the database and applies migrations
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.DSN == "" {
		return nil, errors.New("sqlite DSN is required")
	}
	db, err := sql.Open("sqlite", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; an in-memory database is also per connection.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func storageError(op, key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.NotFoundError("object", key)
	}
	return gateway.NewStorageError(backendName, op, key, err)
}

// Put upserts payload and metadata in one statement
func (b *Backend) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) error {
	stored, err := gateway.PrepareForPut(key, meta)
	if err != nil {
		return err
	}
	encoded, err := gateway.EncodeMetadata(stored)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO gateway_objects (key, data, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET data = excluded.data, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		key, data, string(encoded), now, now)
	if err != nil {
		return storageError("put", key, err)
	}
	return nil
}

// Get returns payload and metadata
func (b *Backend) Get(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	var data []byte
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT data, metadata FROM gateway_objects WHERE key = ?`, key).Scan(&data, &raw)
	if err != nil {
		return nil, nil, storageError("get", key, err)
	}
	meta, err := gateway.DecodeMetadata([]byte(raw))
	if err != nil {
		return nil, nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, meta, nil
}

// Delete removes the row
func (b *Backend) Delete(ctx context.Context, key string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM gateway_objects WHERE key = ?`, key)
	if err != nil {
		return storageError("delete", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("delete", key, err)
	}
	if n == 0 {
		return gateway.NotFoundError("object", key)
	}
	return nil
}

// List returns metadata for keys starting with prefix, ordered by key.
// LIKE is case-insensitive in SQLite, so the prefix is compared with substr.
func (b *Backend) List(ctx context.Context, prefix string) ([]*gateway.Metadata, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT metadata FROM gateway_objects WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`, prefix)
	if err != nil {
		return nil, storageError("list", prefix, err)
	}
	defer rows.Close()

	result := make([]*gateway.Metadata, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageError("list", prefix, err)
		}
		meta, err := gateway.DecodeMetadata([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list", prefix, err)
	}
	return result, nil
}

// Exists reports whether a row for key exists
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM gateway_objects WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, storageError("exists", key, err)
	}
	return n > 0, nil
}

// GetMetadata returns the metadata column only
func (b *Backend) GetMetadata(ctx context.Context, key string) (*gateway.Metadata, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT metadata FROM gateway_objects WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		return nil, storageError("get_metadata", key, err)
	}
	return gateway.DecodeMetadata([]byte(raw))
}

var _ gateway.Storage = (*Backend)(nil)
