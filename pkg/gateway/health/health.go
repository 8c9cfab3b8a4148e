// Package health probes storage backends.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tendant/object-gateway/pkg/gateway"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultSlowThreshold = time.Second

	// ProbeKey is looked up on every backend; it never needs to exist.
	ProbeKey = ".gateway-health-probe"
)

type StorageHealth struct {
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	LastCheck      time.Time `json:"last_check"`
}

type Details struct {
	Storages      map[string]StorageHealth `json:"storages"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Version       string                   `json:"version"`
}

// Report is the result of a full health check.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Details   Details   `json:"details"`
}

type Option func(*Checker)

// WithTimeout bounds each backend probe.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.timeout = d
	}
}

// WithSlowThreshold marks backends slower than d as degraded.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Checker) {
		c.slow = d
	}
}

func WithVersion(version string) Option {
	return func(c *Checker) {
		c.version = version
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// Checker probes a fixed set of named backends.
type Checker struct {
	storages map[string]gateway.Storage
	timeout  time.Duration
	slow     time.Duration
	version  string
	now      func() time.Time
	started  time.Time
}

func NewChecker(storages map[string]gateway.Storage, opts ...Option) *Checker {
	c := &Checker{
		storages: storages,
		timeout:  DefaultTimeout,
		slow:     DefaultSlowThreshold,
		version:  "dev",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c
}

// CheckAll probes every backend concurrently. The overall status is the
// worst status of any backend.
func (c *Checker) CheckAll(ctx context.Context) Report {
	names := make([]string, 0, len(c.storages))
	for name := range c.storages {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]StorageHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probe(ctx, c.storages[name])
		}()
	}
	wg.Wait()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: c.now().UTC(),
		Details: Details{
			Storages:      make(map[string]StorageHealth, len(names)),
			UptimeSeconds: int64(c.now().Sub(c.started).Seconds()),
			Version:       c.version,
		},
	}
	for i, name := range names {
		h := results[i]
		report.Details.Storages[name] = h
		report.Status = worse(report.Status, h.Status)
	}
	return report
}

// CheckStorage probes a single backend by name.
func (c *Checker) CheckStorage(ctx context.Context, name string) (StorageHealth, error) {
	s, ok := c.storages[name]
	if !ok {
		return StorageHealth{}, fmt.Errorf("%w: %s", gateway.ErrStorageNotFound, name)
	}
	return c.probe(ctx, s), nil
}

func (c *Checker) probe(ctx context.Context, s gateway.Storage) StorageHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	done := make(chan error, 1)
	go func() {
		_, err := s.Exists(ctx, ProbeKey)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	elapsed := c.now().Sub(start)

	h := StorageHealth{
		Status:         StatusHealthy,
		Message:        "storage is operational",
		ResponseTimeMS: elapsed.Milliseconds(),
		LastCheck:      start.UTC(),
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.Status = StatusUnhealthy
		h.Message = "storage timeout"
		h.ResponseTimeMS = c.timeout.Milliseconds()
	case err != nil:
		h.Status = StatusUnhealthy
		h.Message = fmt.Sprintf("storage error: %v", err)
	case elapsed > c.slow:
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("storage responded in %s", elapsed.Round(time.Millisecond))
	}
	return h
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
