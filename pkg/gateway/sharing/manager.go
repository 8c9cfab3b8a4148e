// Package sharing issues revocable share links bounded by time and
// download count.
package sharing

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// Manager is the in-memory link registry. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	links  map[uuid.UUID]*ShareLink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides time.Now for sweeps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an empty registry
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		links:  make(map[uuid.UUID]*ShareLink),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func notFound(id uuid.UUID) error {
	return gateway.NotFoundError("share link", id.String())
}

// CreateLink stores link as given and returns it.
func (m *Manager) CreateLink(link *ShareLink) (*ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[link.ID]; ok {
		return nil, ErrLinkExists
	}
	m.links[link.ID] = link.Clone()
	return link, nil
}

// GetLink returns a copy of the link
func (m *Manager) GetLink(id uuid.UUID) (*ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.links[id]
	if !ok {
		return nil, notFound(id)
	}
	return link.Clone(), nil
}

// IncrementDownload bumps the counter and returns the updated link
func (m *Manager) IncrementDownload(id uuid.UUID) (*ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.links[id]
	if !ok {
		return nil, notFound(id)
	}
	link.DownloadCount++
	return link.Clone(), nil
}

// RevokeLink removes the link
func (m *Manager) RevokeLink(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[id]; !ok {
		return notFound(id)
	}
	delete(m.links, id)
	return nil
}

// ListLinks returns the links of one storage backend ("" for all), oldest first.
func (m *Manager) ListLinks(storageName string) []*ShareLink {
	m.mu.RLock()
	result := make([]*ShareLink, 0, len(m.links))
	for _, link := range m.links {
		if storageName == "" || link.StorageName == storageName {
			result = append(result, link.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(result, func(a, b *ShareLink) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result
}

// CleanupExpired removes every invalid link and returns how many went.
func (m *Manager) CleanupExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, link := range m.links {
		if !link.IsValidAt(now) {
			delete(m.links, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored links.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// StartJanitor sweeps invalid links every interval until ctx is done. The
// returned channel closes when the janitor has stopped.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupExpired(); n > 0 {
					m.logger.Info("removed expired share links", "count", n)
				}
			}
		}
	}()
	return done
}
