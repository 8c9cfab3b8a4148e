// Package dedup stores each distinct byte sequence once per backend.
//
// The first key written with a given content becomes the canonical copy.
// Later keys with the same content get a placeholder: their own metadata
// with an empty payload, resolved through the hash index on read.
//
// Concurrent writers of the same new content do not race: the first one
// claims the hash in the index before writing, the others wait for the
// claim to settle and then write placeholders. If the claimant's write
// fails the claim is dropped and a waiter takes over.
package dedup

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tendant/object-gateway/pkg/gateway"
)

var emptyHash = gateway.ComputeHash(nil)

// entry is the index record for one hash. ready is closed once the
// claimant's write has settled; failed is set under the manager lock
// before closing when the write did not succeed.
type entry struct {
	key    string
	ready  chan struct{}
	failed bool
}

func settledEntry(key string) *entry {
	e := &entry{key: key, ready: make(chan struct{})}
	close(e.ready)
	return e
}

// Result describes the outcome of Put.
type Result struct {
	Deduplicated bool
	CanonicalKey string
	Metadata     *gateway.Metadata
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	IndexedHashes int   `json:"indexed_hashes"`
	DedupHits     int64 `json:"dedup_hits"`
	BytesSaved    int64 `json:"bytes_saved"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager keeps the hash index for one backend. The index lives in memory;
// call RebuildIndex after a restart.
type Manager struct {
	storage gateway.Storage
	logger  *slog.Logger

	mu        sync.RWMutex
	index     map[string]*entry
	keyToHash map[string]string

	hits       atomic.Int64
	bytesSaved atomic.Int64
}

// NewManager creates a manager over storage
func NewManager(storage gateway.Storage, opts ...Option) *Manager {
	m := &Manager{
		storage:   storage,
		logger:    slog.Default(),
		index:     make(map[string]*entry),
		keyToHash: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Storage returns the wrapped backend.
func (m *Manager) Storage() gateway.Storage {
	return m.storage
}

// Put stores data under key, or a placeholder when the same content is
// already stored under another key. meta.ContentHash and meta.Size are set
// from data.
func (m *Manager) Put(ctx context.Context, key string, data []byte, meta *gateway.Metadata) (*Result, error) {
	if meta == nil {
		meta = gateway.NewMetadata(key, 0)
	}
	hash := gateway.ComputeHash(data)
	meta.ContentHash = hash
	meta.Size = int64(len(data))

	for {
		e, claimed := m.claim(hash, key)
		if claimed {
			return m.putCanonical(ctx, key, hash, data, meta, e)
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.RLock()
		failed, canonical := e.failed, e.key
		m.mu.RUnlock()
		if failed {
			continue
		}
		if canonical == key {
			// Rewriting the canonical key with its own content.
			if err := m.storage.Put(ctx, key, data, meta); err != nil {
				return nil, err
			}
			return &Result{CanonicalKey: key, Metadata: meta}, nil
		}
		return m.putPlaceholder(ctx, key, hash, canonical, meta)
	}
}

// claim returns the index entry for hash, creating a pending entry owned
// by key when none exists.
func (m *Manager) claim(hash, key string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.index[hash]; ok {
		return e, false
	}
	e := &entry{key: key, ready: make(chan struct{})}
	m.index[hash] = e
	return e, true
}

func (m *Manager) putCanonical(ctx context.Context, key, hash string, data []byte, meta *gateway.Metadata, e *entry) (*Result, error) {
	if err := m.releaseIfCanonical(ctx, key, hash); err != nil {
		m.settle(hash, e, false)
		return nil, err
	}

	err := m.storage.Put(ctx, key, data, meta)
	m.settle(hash, e, err == nil)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("stored canonical content", "key", key, "hash", hash, "size", len(data))
	return &Result{CanonicalKey: key, Metadata: meta}, nil
}

func (m *Manager) settle(hash string, e *entry, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.keyToHash[e.key] = hash
	} else {
		e.failed = true
		if m.index[hash] == e {
			delete(m.index, hash)
		}
	}
	close(e.ready)
}

func (m *Manager) putPlaceholder(ctx context.Context, key, hash, canonical string, meta *gateway.Metadata) (*Result, error) {
	if err := m.releaseIfCanonical(ctx, key, hash); err != nil {
		return nil, err
	}
	if err := m.storage.Put(ctx, key, []byte{}, meta); err != nil {
		return nil, err
	}

	m.hits.Add(1)
	m.bytesSaved.Add(meta.Size)
	m.logger.Info("deduplicated upload", "key", key, "canonical", canonical, "hash", hash, "bytes_saved", meta.Size)
	return &Result{Deduplicated: true, CanonicalKey: canonical, Metadata: meta}, nil
}

// Release hands the canonical role held by key, if any, to another record
// with the same content. Callers that overwrite key without going through
// Put, such as a version pointer write, call it first.
func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.RLock()
	hash, ok := m.keyToHash[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.promote(ctx, key, hash)
}

// releaseIfCanonical hands the canonical role for the content currently
// stored at key to a surviving placeholder before key is overwritten with
// content hashing to newHash.
func (m *Manager) releaseIfCanonical(ctx context.Context, key, newHash string) error {
	m.mu.RLock()
	oldHash, ok := m.keyToHash[key]
	m.mu.RUnlock()
	if !ok || oldHash == newHash {
		return nil
	}
	return m.promote(ctx, key, oldHash)
}

// Get returns the payload for key, following a placeholder to its
// canonical copy. The returned metadata is always key's own record.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, *gateway.Metadata, error) {
	data, meta, err := m.storage.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !isPlaceholder(data, meta) {
		return data, meta, nil
	}

	hash := meta.ContentHash
	canonical, err := m.resolve(ctx, key, hash)
	if err != nil {
		return nil, nil, err
	}
	m.logger.Debug("following dedup reference", "key", key, "canonical", canonical)
	payload, ok, err := m.fetchCanonical(ctx, canonical, hash)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return payload, meta, nil
	}

	// The indexed copy was removed or overwritten behind the manager.
	m.logger.Warn("stale dedup index entry", "hash", hash, "canonical", canonical)
	m.forget(hash, canonical)
	canonical, err = m.rescan(ctx, key, hash)
	if gateway.IsNotFound(err) {
		return nil, nil, gateway.NotFoundError("deduplicated content for", key)
	} else if err != nil {
		return nil, nil, err
	}
	payload, ok, err = m.fetchCanonical(ctx, canonical, hash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, gateway.NotFoundError("deduplicated content for", key)
	}
	return payload, meta, nil
}

func isPlaceholder(data []byte, meta *gateway.Metadata) bool {
	return len(data) == 0 && meta.ContentHash != "" && meta.ContentHash != emptyHash
}

func (m *Manager) resolve(ctx context.Context, key, hash string) (string, error) {
	m.mu.RLock()
	e, ok := m.index[hash]
	m.mu.RUnlock()

	if ok {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		m.mu.RLock()
		canonical, failed := e.key, e.failed
		m.mu.RUnlock()
		if !failed && canonical != key {
			return canonical, nil
		}
	}

	// The index was not rebuilt or is stale; find a full copy directly.
	return m.rescan(ctx, key, hash)
}

// rescan finds a full copy of hash other than key and indexes it when the
// hash has no entry.
func (m *Manager) rescan(ctx context.Context, key, hash string) (string, error) {
	canonical, err := m.scanForCanonical(ctx, hash, key)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	if _, exists := m.index[hash]; !exists {
		m.index[hash] = settledEntry(canonical)
		m.keyToHash[canonical] = hash
	}
	m.mu.Unlock()
	return canonical, nil
}

// forget drops the index entry of hash if it still names canonical.
func (m *Manager) forget(hash, canonical string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.index[hash]; ok && e.key == canonical {
		delete(m.index, hash)
	}
	if m.keyToHash[canonical] == hash {
		delete(m.keyToHash, canonical)
	}
}

// fetchCanonical reads the full copy at canonical. ok is false when the
// record is gone or no longer holds content hashing to hash.
func (m *Manager) fetchCanonical(ctx context.Context, canonical, hash string) ([]byte, bool, error) {
	data, meta, err := m.storage.Get(ctx, canonical)
	if gateway.IsNotFound(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if meta.ContentHash != hash || len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// scanForCanonical lists every record carrying hash, oldest first, and
// returns the first whose payload is non-empty.
func (m *Manager) scanForCanonical(ctx context.Context, hash, exclude string) (string, error) {
	candidates, err := m.recordsWithHash(ctx, hash)
	if err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		if candidate.Key == exclude {
			continue
		}
		data, _, err := m.storage.Get(ctx, candidate.Key)
		if gateway.IsNotFound(err) {
			continue
		} else if err != nil {
			return "", err
		}
		if len(data) > 0 {
			return candidate.Key, nil
		}
	}
	return "", gateway.NotFoundError("canonical content for hash", hash)
}

func (m *Manager) recordsWithHash(ctx context.Context, hash string) ([]*gateway.Metadata, error) {
	all, err := m.storage.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var matches []*gateway.Metadata
	for _, meta := range all {
		if meta.ContentHash == hash {
			matches = append(matches, meta)
		}
	}
	slices.SortFunc(matches, func(a, b *gateway.Metadata) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	return matches, nil
}

// FindDuplicates returns every key whose record carries hash, sorted.
func (m *Manager) FindDuplicates(ctx context.Context, hash string) ([]string, error) {
	records, err := m.recordsWithHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes key. When key holds the canonical copy and placeholders
// still reference it, the oldest placeholder is promoted first.
func (m *Manager) Delete(ctx context.Context, key string) error {
	meta, err := m.storage.GetMetadata(ctx, key)
	if err != nil {
		return err
	}

	m.mu.RLock()
	hash, canonical := m.keyToHash[key]
	m.mu.RUnlock()
	if canonical && hash == meta.ContentHash {
		if err := m.promote(ctx, key, hash); err != nil {
			return err
		}
	}
	return m.storage.Delete(ctx, key)
}

// promote copies the canonical payload at key to the oldest placeholder
// with the same hash and points the index at it. With no placeholder left
// the hash is dropped from the index.
func (m *Manager) promote(ctx context.Context, key, hash string) error {
	records, err := m.recordsWithHash(ctx, hash)
	if err != nil {
		return err
	}
	var survivor *gateway.Metadata
	for _, r := range records {
		if r.Key != key {
			survivor = r
			break
		}
	}

	if survivor == nil {
		m.mu.Lock()
		if e, ok := m.index[hash]; ok && e.key == key {
			delete(m.index, hash)
		}
		delete(m.keyToHash, key)
		m.mu.Unlock()
		return nil
	}

	data, _, err := m.storage.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := m.storage.Put(ctx, survivor.Key, data, survivor); err != nil {
		return err
	}

	m.mu.Lock()
	m.index[hash] = settledEntry(survivor.Key)
	m.keyToHash[survivor.Key] = hash
	delete(m.keyToHash, key)
	m.mu.Unlock()

	m.logger.Info("promoted dedup placeholder", "hash", hash, "from", key, "to", survivor.Key)
	return nil
}

// RebuildIndex rescans the backend and indexes the oldest full copy of
// every hashed record. It returns the number of indexed hashes.
func (m *Manager) RebuildIndex(ctx context.Context) (int, error) {
	all, err := m.storage.List(ctx, "")
	if err != nil {
		return 0, err
	}
	slices.SortFunc(all, func(a, b *gateway.Metadata) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	index := make(map[string]*entry)
	keyToHash := make(map[string]string)
	for _, meta := range all {
		if meta.ContentHash == "" || meta.Size == 0 {
			continue
		}
		if _, ok := index[meta.ContentHash]; ok {
			continue
		}
		data, _, err := m.storage.Get(ctx, meta.Key)
		if gateway.IsNotFound(err) {
			continue
		} else if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			continue
		}
		index[meta.ContentHash] = settledEntry(meta.Key)
		keyToHash[meta.Key] = meta.ContentHash
	}

	m.mu.Lock()
	m.index = index
	m.keyToHash = keyToHash
	m.mu.Unlock()

	m.logger.Info("rebuilt dedup index", "records", len(all), "hashes", len(index))
	return len(index), nil
}

// CanonicalKey returns the key holding the full copy of hash, if indexed.
func (m *Manager) CanonicalKey(hash string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.index[hash]
	if !ok || e.failed {
		return "", false
	}
	return e.key, true
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.index)
	m.mu.RUnlock()

	return Stats{
		IndexedHashes: n,
		DedupHits:     m.hits.Load(),
		BytesSaved:    m.bytesSaved.Load(),
	}
}
