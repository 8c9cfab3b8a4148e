package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/object-gateway/pkg/gateway"
)

type recorder struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
	status   int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var p Payload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.headers = append(r.headers, req.Header.Clone())
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (r *recorder) received() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

func TestRegisterAndList(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("b", Config{URL: "http://b", Events: []Event{EventDeleted}, Enabled: true}))
	require.NoError(t, m.Register("a", Config{URL: "http://a", Events: []Event{EventUploaded}, Enabled: true}))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)

	m.Unregister("a")
	m.Unregister("missing")
	assert.Len(t, m.List(), 1)
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.Register("", Config{URL: "http://x"}), gateway.ErrInvalidMetadata)
	assert.ErrorIs(t, m.Register("x", Config{}), gateway.ErrInvalidMetadata)
}

func TestTriggerDeliversToSubscribers(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	m := NewManager()
	require.NoError(t, m.Register("uploads", Config{
		URL:     srv.URL,
		Events:  []Event{EventUploaded},
		Headers: map[string]string{"X-Token": "secret"},
		Enabled: true,
	}))
	require.NoError(t, m.Register("deletes", Config{URL: srv.URL, Events: []Event{EventDeleted}, Enabled: true}))
	require.NoError(t, m.Register("disabled", Config{URL: srv.URL, Events: []Event{EventUploaded}}))

	meta := gateway.NewMetadata("docs/a.txt", 3)
	started := m.Trigger(context.Background(), NewPayload(EventUploaded, "local", "docs/a.txt", meta))
	assert.Equal(t, 1, started)
	m.Wait()

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, EventUploaded, got[0].Event)
	assert.Equal(t, "local", got[0].StorageName)
	assert.Equal(t, "docs/a.txt", got[0].FileKey)
	require.NotNil(t, got[0].Metadata)
	assert.Equal(t, meta.VersionID, got[0].Metadata.VersionID)

	rec.mu.Lock()
	assert.Equal(t, "secret", rec.headers[0].Get("X-Token"))
	assert.Equal(t, "application/json", rec.headers[0].Get("Content-Type"))
	rec.mu.Unlock()
}

func TestTriggerSurvivesFailures(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	m := NewManager()
	require.NoError(t, m.Register("broken", Config{URL: srv.URL, Events: []Event{EventDeleted}, Enabled: true}))
	require.NoError(t, m.Register("unreachable", Config{URL: "http://127.0.0.1:1", Events: []Event{EventDeleted}, Enabled: true}))

	assert.Equal(t, 2, m.Trigger(context.Background(), NewPayload(EventDeleted, "local", "a.txt", nil)))
	m.Wait()
	assert.Len(t, rec.received(), 1)
}

func TestTriggerOutlivesRequestContext(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	m := NewManager()
	require.NoError(t, m.Register("w", Config{URL: srv.URL, Events: []Event{EventRestored}, Enabled: true}))

	ctx, cancel := context.WithCancel(context.Background())
	m.Trigger(ctx, NewPayload(EventRestored, "local", "a.txt", nil))
	cancel()
	m.Wait()
	assert.Len(t, rec.received(), 1)
}

func TestPayloadJSON(t *testing.T) {
	b, err := json.Marshal(NewPayload(EventVersionCreated, "s3", "k", nil))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "version_created", doc["event"])
	assert.Equal(t, "s3", doc["storage_name"])
	assert.NotContains(t, doc, "metadata")
}
