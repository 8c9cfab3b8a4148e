package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/object-gateway/internal/metrics"
	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/engine"
	"github.com/tendant/object-gateway/pkg/gateway/health"
	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// HealthResponse is the body of the liveness endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	report := s.checker.CheckAll(r.Context())
	if report.Status == health.StatusUnhealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, report)
}

func (s *Server) handleHealthStorage(w http.ResponseWriter, r *http.Request) {
	result, err := s.checker.CheckStorage(r.Context(), chi.URLParam(r, "storage"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.Status == health.StatusUnhealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, result)
}

// handleSearch reads q, tags (comma separated), content_type, name_pattern
// and include_deleted from the query string
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	query := r.URL.Query()

	q := engine.SearchQuery{
		Query:       query.Get("q"),
		ContentType: query.Get("content_type"),
		NamePattern: query.Get("name_pattern"),
	}
	if tags := query.Get("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				q.Tags = append(q.Tags, tag)
			}
		}
	}
	if v := query.Get("include_deleted"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			s.badRequest(w, r, "invalid include_deleted parameter")
			return
		}
		q.IncludeDeleted = include
	}

	results, err := s.engine.Search(r.Context(), storage, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, results)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.engine.Tags(r.Context(), chi.URLParam(r, "storage"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"tags": tags, "count": len(tags)})
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	files, err := s.engine.Trash(r.Context(), chi.URLParam(r, "storage"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, FileListResponse{Files: files, Count: len(files)})
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	n, err := s.engine.EmptyTrash(r.Context(), storage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for range n {
		metrics.RecordDelete(storage)
	}
	render.JSON(w, r, map[string]int{"deleted": n})
}

// BulkUploadRequest carries base64 encoded files
type BulkUploadRequest struct {
	Files []engine.BulkFileItem `json:"files"`
}

// BulkKeysRequest names the files of a bulk download or delete
type BulkKeysRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleBulkUpload(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	var req BulkUploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	res, err := s.engine.BulkUpload(r.Context(), storage, req.Files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sizes := make(map[string]int, len(req.Files))
	for _, item := range req.Files {
		sizes[item.Name] = len(item.Content)
	}
	for _, key := range res.Successful {
		metrics.RecordUpload(storage, sizes[key])
		s.trigger(r, webhooks.EventUploaded, storage, key, nil)
	}
	render.JSON(w, r, res)
}

func (s *Server) handleBulkDownload(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	var req BulkKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	res, err := s.engine.BulkDownload(r.Context(), storage, req.Keys)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, f := range res.Files {
		metrics.RecordDownload(storage, len(f.Content))
	}
	render.JSON(w, r, res)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	var req BulkKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	res, err := s.engine.BulkDelete(r.Context(), storage, req.Keys)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, key := range res.Successful {
		metrics.RecordDelete(storage)
		s.trigger(r, webhooks.EventDeleted, storage, key, nil)
	}
	render.JSON(w, r, res)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"webhooks": s.webhooks.List()})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg := webhooks.Config{Enabled: true}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.webhooks.Register(name, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, webhooks.Registration{Name: name, Config: cfg})
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.webhooks.Unregister(name)
	render.JSON(w, r, MessageResponse{Message: fmt.Sprintf("Webhook '%s' unregistered", name)})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Cache()
	render.JSON(w, r, map[string]any{"enabled": c.Enabled(), "stats": c.Stats()})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.engine.Cache().Clear()
	render.JSON(w, r, MessageResponse{Message: "Cache cleared"})
}

func (s *Server) handleCacheInvalidateStorage(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	if _, err := s.engine.Backend(storage); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"invalidated": s.engine.InvalidateCache(storage, "")})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	if _, err := s.engine.Backend(storage); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"invalidated": s.engine.InvalidateCache(storage, key)})
}

// handlePresignedGet serves a download authorized by a signed URL
func (s *Server) handlePresignedGet(w http.ResponseWriter, r *http.Request) {
	storage, key, ok := s.presignedTarget(w, r)
	if !ok {
		return
	}
	data, meta, err := s.engine.Download(r.Context(), storage, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordDownload(storage, len(data))
	s.trigger(r, webhooks.EventDownloaded, storage, key, meta)
	writeContent(w, meta, data)
}

// handlePresignedPut stores the body authorized by a signed URL
func (s *Server) handlePresignedPut(w http.ResponseWriter, r *http.Request) {
	storage, key, ok := s.presignedTarget(w, r)
	if !ok {
		return
	}
	data, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta := gateway.NewMetadata(key, int64(len(data))).WithContentType(r.Header.Get("Content-Type"))
	s.store(w, r, storage, key, data, meta)
}

// presignedTarget recovers storage and key from the signed path, which is
// the unescaped "/presigned/{storage}/{key}"
func (s *Server) presignedTarget(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	storage := chi.URLParam(r, "storage")
	key := strings.TrimPrefix(r.URL.Path, "/presigned/"+storage+"/")
	if key == "" || key == r.URL.Path {
		s.badRequest(w, r, "file key is required")
		return "", "", false
	}
	return storage, key, true
}
