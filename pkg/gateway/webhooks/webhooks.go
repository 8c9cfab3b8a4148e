// Package webhooks delivers file events to registered HTTP endpoints.
// Delivery is asynchronous and best effort: failures are logged, never
// returned to the caller that triggered the event.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// Event names a file lifecycle event.
type Event string

const (
	EventUploaded       Event = "uploaded"
	EventDownloaded     Event = "downloaded"
	EventDeleted        Event = "deleted"
	EventRestored       Event = "restored"
	EventVersionCreated Event = "version_created"
)

// Config describes one webhook endpoint.
type Config struct {
	URL     string            `json:"url" yaml:"url"`
	Events  []Event           `json:"events" yaml:"events"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
}

// Subscribed reports whether the endpoint wants event.
func (c Config) Subscribed(event Event) bool {
	return c.Enabled && slices.Contains(c.Events, event)
}

// Payload is the JSON body posted to every subscribed endpoint.
type Payload struct {
	Event       Event             `json:"event"`
	Timestamp   time.Time         `json:"timestamp"`
	StorageName string            `json:"storage_name"`
	FileKey     string            `json:"file_key"`
	Metadata    *gateway.Metadata `json:"metadata,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
}

// NewPayload stamps the current time on a payload for event.
func NewPayload(event Event, storageName, fileKey string, meta *gateway.Metadata) Payload {
	return Payload{
		Event:       event,
		Timestamp:   time.Now().UTC(),
		StorageName: storageName,
		FileKey:     fileKey,
		Metadata:    meta.Clone(),
	}
}

// Registration pairs a webhook name with its config.
type Registration struct {
	Name   string `json:"name"`
	Config Config `json:"config"`
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// Manager holds registered webhooks and dispatches events to them.
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]Config
	client   *http.Client
	logger   *slog.Logger
	inflight sync.WaitGroup
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		webhooks: make(map[string]Config),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds or replaces the webhook called name.
func (m *Manager) Register(name string, config Config) error {
	if name == "" {
		return fmt.Errorf("%w: webhook name is required", gateway.ErrInvalidMetadata)
	}
	if config.URL == "" {
		return fmt.Errorf("%w: webhook %q has no url", gateway.ErrInvalidMetadata, name)
	}
	config.Events = slices.Clone(config.Events)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[name] = config
	return nil
}

// Unregister removes the webhook called name. Unknown names are ignored.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, name)
}

// List returns registrations sorted by name.
func (m *Manager) List() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Registration, 0, len(m.webhooks))
	for name, cfg := range m.webhooks {
		out = append(out, Registration{Name: name, Config: cfg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger posts payload to every enabled webhook subscribed to its event.
// It returns the number of deliveries started. Deliveries run detached from
// ctx so a finished request does not cancel them.
func (m *Manager) Trigger(ctx context.Context, payload Payload) int {
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to encode webhook payload", "event", payload.Event, "error", err)
		return 0
	}

	m.mu.RLock()
	targets := make(map[string]Config)
	for name, cfg := range m.webhooks {
		if cfg.Subscribed(payload.Event) {
			targets[name] = cfg
		}
	}
	m.mu.RUnlock()

	deliveryCtx := context.WithoutCancel(ctx)
	for name, cfg := range targets {
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			if err := m.send(deliveryCtx, cfg, body); err != nil {
				m.logger.Error("failed to send webhook",
					"webhook", name,
					"event", payload.Event,
					"key", payload.FileKey,
					"error", err)
				return
			}
			m.logger.Debug("webhook delivered", "webhook", name, "event", payload.Event)
		}()
	}
	return len(targets)
}

// Wait blocks until every started delivery has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) send(ctx context.Context, cfg Config, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
