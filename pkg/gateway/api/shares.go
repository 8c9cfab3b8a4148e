package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/object-gateway/internal/metrics"
	"github.com/tendant/object-gateway/pkg/gateway/sharing"
	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// CreateShareRequest is the body of POST /api/v1/shares
type CreateShareRequest struct {
	Storage          string  `json:"storage"`
	FileKey          string  `json:"file_key"`
	ExpiresInSeconds int64   `json:"expires_in_seconds,omitempty"`
	MaxDownloads     *uint32 `json:"max_downloads,omitempty"`
	Password         string  `json:"password,omitempty"`
	IsUploadLink     bool    `json:"is_upload_link,omitempty"`
}

// ShareLinkResponse describes a link and where to use it
type ShareLinkResponse struct {
	*sharing.ShareLink
	URL                string  `json:"url"`
	HasPassword        bool    `json:"has_password"`
	RemainingDownloads *uint32 `json:"remaining_downloads,omitempty"`
}

func shareResponse(link *sharing.ShareLink) ShareLinkResponse {
	action := "download"
	if link.IsUploadLink {
		action = "upload"
	}
	return ShareLinkResponse{
		ShareLink:          link,
		URL:                fmt.Sprintf("/api/v1/shares/%s/%s", link.ID, action),
		HasPassword:        link.HasPassword(),
		RemainingDownloads: link.RemainingDownloads(),
	}
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req CreateShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Storage == "" || req.FileKey == "" {
		s.badRequest(w, r, "storage and file_key are required")
		return
	}
	if req.ExpiresInSeconds < 0 {
		s.badRequest(w, r, "expires_in_seconds must be positive")
		return
	}
	expiresIn := defaultShareExpiry
	if req.ExpiresInSeconds > 0 {
		expiresIn = time.Duration(req.ExpiresInSeconds) * time.Second
	}

	var opts []sharing.LinkOption
	if req.MaxDownloads != nil {
		opts = append(opts, sharing.WithMaxDownloads(*req.MaxDownloads))
	}
	if req.Password != "" {
		opts = append(opts, sharing.WithPassword(req.Password))
	}
	if req.IsUploadLink {
		opts = append(opts, sharing.AsUploadLink())
	}

	link, err := s.engine.CreateShareLink(r.Context(), req.Storage, req.FileKey, expiresIn, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordShareLinkCreated()

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, shareResponse(link))
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	links := s.engine.ShareLinks().ListLinks(r.URL.Query().Get("storage"))
	resp := make([]ShareLinkResponse, 0, len(links))
	for _, link := range links {
		resp = append(resp, shareResponse(link))
	}
	render.JSON(w, r, map[string]any{"links": resp, "count": len(resp)})
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(chi.URLParam(r, "linkID"), "link ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	link, err := s.engine.ShareLinks().GetLink(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, shareResponse(link))
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(chi.URLParam(r, "linkID"), "link ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.ShareLinks().RevokeLink(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, MessageResponse{Message: fmt.Sprintf("Share link %s revoked", id)})
}

// handleShareDownload serves the shared file. The password travels as a
// query parameter.
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(chi.URLParam(r, "linkID"), "link ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, meta, link, err := s.engine.AccessShareLink(r.Context(), id, r.URL.Query().Get("password"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordShareLinkAccessed()
	metrics.RecordDownload(link.StorageName, len(data))
	s.trigger(r, webhooks.EventDownloaded, link.StorageName, link.FileKey, meta)
	writeContent(w, meta, data)
}

func (s *Server) handleShareUpload(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(chi.URLParam(r, "linkID"), "link ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, link, err := s.engine.UploadViaShareLink(r.Context(), id, r.URL.Query().Get("password"), data, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordShareLinkAccessed()
	metrics.RecordUpload(link.StorageName, len(data))
	if res.Deduplicated {
		metrics.RecordDedupHit(link.StorageName)
	}
	s.trigger(r, webhooks.EventUploaded, link.StorageName, link.FileKey, res.Metadata)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}
