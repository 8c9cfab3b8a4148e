package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/object-gateway/internal/metrics"
	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// VersionListResponse lists the history of one file
type VersionListResponse struct {
	Key      string              `json:"key"`
	Versions []*gateway.Metadata `json:"versions"`
	Count    int                 `json:"count"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.engine.ListVersions(r.Context(), storage, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, VersionListResponse{Key: key, Versions: versions, Count: len(versions)})
}

// handleCreateVersion stores the raw request body as the next version
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
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
	meta, err := s.engine.CreateVersion(r.Context(), storage, key, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordVersionCreated(storage)
	s.trigger(r, webhooks.EventVersionCreated, storage, key, meta)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, meta)
}

func (s *Server) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, meta, err := s.engine.LatestVersion(r.Context(), storage, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordDownload(storage, len(data))
	writeContent(w, meta, data)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID, err := parseUUID(chi.URLParam(r, "versionID"), "version ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, meta, err := s.engine.GetVersion(r.Context(), storage, key, versionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("metadata") == "true" {
		render.JSON(w, r, meta)
		return
	}
	metrics.RecordDownload(storage, len(data))
	writeContent(w, meta, data)
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID, err := parseUUID(chi.URLParam(r, "versionID"), "version ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := s.engine.RestoreVersion(r.Context(), storage, key, versionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.RecordVersionRestored(storage)
	s.trigger(r, webhooks.EventRestored, storage, key, meta)
	render.JSON(w, r, meta)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	storage := chi.URLParam(r, "storage")
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID, err := parseUUID(chi.URLParam(r, "versionID"), "version ID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DeleteVersion(r.Context(), storage, key, versionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, MessageResponse{Message: "version " + versionID.String() + " deleted"})
}
