package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/object-gateway/internal/metrics"
	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/engine"
	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// MetadataHeader carries custom metadata as a JSON object on raw uploads
const MetadataHeader = "X-Metadata"

// FileListResponse is returned by the list endpoint
type FileListResponse struct {
	Files []*gateway.Metadata `json:"files"`
	Count int                 `json:"count"`
}

// UpdateTagsRequest replaces the tag set of a file
type UpdateTagsRequest struct {
	Tags []string `json:"tags"`
}

// DuplicatesResponse describes the dedup state of one file
type DuplicatesResponse struct {
	Key          string   `json:"key"`
	ContentHash  string   `json:"content_hash"`
	CanonicalKey string   `json:"canonical_key,omitempty"`
	Duplicates   []string `json:"duplicates"`
}

func (s *Server) handleListStorages(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string][]string{"storages": s.engine.Names()})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	query := r.URL.Query()

	opts := engine.ListOptions{
		Prefix: query.Get("prefix"),
		Filter: gateway.FilterParams{
			NamePattern: query.Get("name_pattern"),
			ContentType: query.Get("content_type"),
		},
	}
	if v := query.Get("include_deleted"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			s.badRequest(w, r, "invalid include_deleted parameter")
			return
		}
		opts.IncludeDeleted = include
	}

	files, err := s.engine.List(r.Context(), storage, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, FileListResponse{Files: files, Count: len(files)})
}

// handleUpload stores the raw request body under {key}
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta := gateway.NewMetadata(key, int64(len(data))).WithContentType(r.Header.Get("Content-Type"))
	if raw := r.Header.Get(MetadataHeader); raw != "" {
		custom, err := parseCustom([]byte(raw))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		meta.WithCustom(custom)
	}
	s.store(w, r, storage, key, data, meta)
}

// handleMultipartUpload accepts a "file" part and an optional "metadata"
// JSON part. The key is the "key" field or the uploaded file name.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.badRequest(w, r, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, r, "no file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: failed to read file data: %v", gateway.ErrIO, err))
		return
	}

	key := r.FormValue("key")
	if key == "" {
		key = header.Filename
	}
	if key == "" {
		s.badRequest(w, r, "file key is required")
		return
	}

	meta := gateway.NewMetadata(key, int64(len(data))).WithContentType(header.Header.Get("Content-Type"))
	if raw := r.FormValue("metadata"); raw != "" {
		custom, err := parseCustom([]byte(raw))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		meta.WithCustom(custom)
	}
	s.store(w, r, storage, key, data, meta)
}

func (s *Server) store(w http.ResponseWriter, r *http.Request, storage, key string, data []byte, meta *gateway.Metadata) {
	res, err := s.engine.Upload(r.Context(), storage, key, data, meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordUpload(storage, len(data))
	if res.Deduplicated {
		metrics.RecordDedupHit(storage)
	}
	s.trigger(r, webhooks.EventUploaded, storage, key, res.Metadata)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
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

// writeContent streams a payload with headers derived from its record
func writeContent(w http.ResponseWriter, meta *gateway.Metadata, data []byte) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", baseName(meta.Key)))
	w.Header().Set("X-Version", strconv.Itoa(meta.Version))
	if meta.ContentHash != "" {
		w.Header().Set("ETag", strconv.Quote(meta.ContentHash))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Delete(r.Context(), storage, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordDelete(storage)
	s.trigger(r, webhooks.EventDeleted, storage, key, nil)
	render.JSON(w, r, MessageResponse{Message: fmt.Sprintf("File '%s' deleted successfully", key)})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := s.engine.Metadata(r.Context(), storage, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, meta)
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := s.engine.SoftDelete(r.Context(), storage, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordDelete(storage)
	s.trigger(r, webhooks.EventDeleted, storage, key, meta)
	render.JSON(w, r, meta)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := s.engine.RestoreDeleted(r.Context(), storage, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.trigger(r, webhooks.EventRestored, storage, key, meta)
	render.JSON(w, r, meta)
}

func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req UpdateTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	meta, err := s.engine.SetTags(r.Context(), storage, key, req.Tags)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, meta)
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.Backend(storage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.Dedup == nil {
		s.badRequest(w, r, fmt.Sprintf("deduplication is disabled for storage %s", storage))
		return
	}
	meta, err := b.Storage.GetMetadata(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := DuplicatesResponse{Key: key, ContentHash: meta.ContentHash, Duplicates: []string{}}
	if meta.ContentHash != "" {
		dups, err := b.Dedup.FindDuplicates(r.Context(), meta.ContentHash)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Duplicates = dups
		resp.CanonicalKey, _ = b.Dedup.CanonicalKey(meta.ContentHash)
	}
	render.JSON(w, r, resp)
}

func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	b, err := s.engine.Backend(storage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.Dedup == nil {
		render.JSON(w, r, map[string]any{"enabled": false})
		return
	}
	render.JSON(w, r, map[string]any{"enabled": true, "stats": b.Dedup.Stats()})
}

func (s *Server) handlePresignDownload(w http.ResponseWriter, r *http.Request) {
	s.presign(w, r, gateway.Storage.PresignDownload)
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	s.presign(w, r, gateway.Storage.PresignUpload)
}

func (s *Server) presign(w http.ResponseWriter, r *http.Request, fn func(gateway.Storage, context.Context, string, time.Duration) (*gateway.PresignedURL, error)) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expiresIn, err := secondsParam(r, "expires_in", defaultPresignExpiry)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.Backend(storage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	url, err := fn(b.Storage, r.Context(), key, expiresIn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, url)
}
