// Package api exposes the gateway engine over HTTP.
//
// Object keys travel as a single path segment; keys containing "/" are
// sent percent-encoded ("docs%2Freport.pdf"). Handlers record metrics and
// fire webhooks after the engine call succeeded, the engine itself never
// does.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/tendant/object-gateway/internal/metrics"
	"github.com/tendant/object-gateway/pkg/gateway"
	"github.com/tendant/object-gateway/pkg/gateway/engine"
	"github.com/tendant/object-gateway/pkg/gateway/health"
	"github.com/tendant/object-gateway/pkg/gateway/presigned"
	"github.com/tendant/object-gateway/pkg/gateway/sharing"
	"github.com/tendant/object-gateway/pkg/gateway/webhooks"
)

// Version is reported by /health.
var Version = "dev"

const (
	defaultPresignExpiry = time.Hour
	defaultShareExpiry   = 24 * time.Hour
	maxBodyBytes         = 100 << 20
)

// Server serves the gateway API
type Server struct {
	engine   *engine.Engine
	signer   *presigned.Signer
	webhooks *webhooks.Manager
	checker  *health.Checker
	logger   *slog.Logger

	development    bool
	requestTimeout time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithSigner enables the /presigned routes
func WithSigner(signer *presigned.Signer) Option {
	return func(s *Server) {
		s.signer = signer
	}
}

// WithWebhooks sets the webhook manager events are delivered to
func WithWebhooks(m *webhooks.Manager) Option {
	return func(s *Server) {
		s.webhooks = m
	}
}

// WithHealthChecker replaces the default checker
func WithHealthChecker(c *health.Checker) Option {
	return func(s *Server) {
		s.checker = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDevelopment enables permissive CORS headers
func WithDevelopment(enabled bool) Option {
	return func(s *Server) {
		s.development = enabled
	}
}

// WithRequestTimeout bounds every request. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// New creates a Server for e
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:         e,
		logger:         slog.Default(),
		requestTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.webhooks == nil {
		s.webhooks = webhooks.NewManager(webhooks.WithLogger(s.logger))
	}
	if s.checker == nil {
		s.checker = health.NewChecker(e.Storages(), health.WithVersion(Version))
	}
	return s
}

// Routes sets up the HTTP routes
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.requestTimeout > 0 {
		r.Use(middleware.Timeout(s.requestTimeout))
	}
	if s.development {
		r.Use(cors)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/all", s.handleHealthAll)
	r.Get("/health/{storage}", s.handleHealthStorage)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/storages", s.handleListStorages)
		r.Route("/storages/{storage}", func(r chi.Router) {
			r.Get("/files", s.handleListFiles)
			r.Post("/files", s.handleMultipartUpload)
			r.Route("/files/{key}", func(r chi.Router) {
				r.Get("/", s.handleDownload)
				r.Put("/", s.handleUpload)
				r.Delete("/", s.handleDelete)
				r.Get("/metadata", s.handleMetadata)
				r.Post("/trash", s.handleSoftDelete)
				r.Post("/restore", s.handleRestore)
				r.Put("/tags", s.handleUpdateTags)
				r.Get("/duplicates", s.handleDuplicates)
				r.Get("/presigned-download", s.handlePresignDownload)
				r.Get("/presigned-upload", s.handlePresignUpload)

				r.Get("/versions", s.handleListVersions)
				r.Post("/versions", s.handleCreateVersion)
				r.Get("/versions/latest", s.handleLatestVersion)
				r.Get("/versions/{versionID}", s.handleGetVersion)
				r.Delete("/versions/{versionID}", s.handleDeleteVersion)
				r.Post("/versions/{versionID}/restore", s.handleRestoreVersion)
			})
			r.Get("/search", s.handleSearch)
			r.Get("/tags", s.handleListTags)
			r.Get("/trash", s.handleListTrash)
			r.Delete("/trash", s.handleEmptyTrash)
			r.Get("/dedup", s.handleDedupStats)
			r.Post("/bulk/upload", s.handleBulkUpload)
			r.Post("/bulk/download", s.handleBulkDownload)
			r.Post("/bulk/delete", s.handleBulkDelete)
		})

		r.Route("/shares", func(r chi.Router) {
			r.Post("/", s.handleCreateShare)
			r.Get("/", s.handleListShares)
			r.Get("/{linkID}", s.handleGetShare)
			r.Delete("/{linkID}", s.handleRevokeShare)
			r.Get("/{linkID}/download", s.handleShareDownload)
			r.Put("/{linkID}/upload", s.handleShareUpload)
		})

		r.Get("/webhooks", s.handleListWebhooks)
		r.Post("/webhooks/{name}", s.handleRegisterWebhook)
		r.Delete("/webhooks/{name}", s.handleUnregisterWebhook)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/clear", s.handleCacheClear)
		r.Delete("/cache/{storage}", s.handleCacheInvalidateStorage)
		r.Delete("/cache/{storage}/{key}", s.handleCacheInvalidate)
	})

	r.Route("/presigned/{storage}", func(r chi.Router) {
		r.Use(presigned.Middleware(s.signer))
		r.Get("/*", s.handlePresignedGet)
		r.Put("/*", s.handlePresignedPut)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Metadata")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse acknowledges operations without a richer result
type MessageResponse struct {
	Message string `json:"message"`
}

// writeError maps err to a status code and renders it
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	metrics.RecordError(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	s.writeError(w, r, invalid(msg))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sharing.ErrLinkInvalid):
		return http.StatusGone, "share_link_invalid"
	case errors.Is(err, sharing.ErrPasswordRequired):
		return http.StatusUnauthorized, "share_password_required"
	case errors.Is(err, sharing.ErrInvalidPassword):
		return http.StatusForbidden, "share_password_invalid"
	case errors.Is(err, sharing.ErrLinkExists):
		return http.StatusConflict, "share_link_exists"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	}

	kind := gateway.KindOf(err)
	switch kind {
	case gateway.KindNotFound:
		return http.StatusNotFound, string(kind)
	case gateway.KindInvalidMetadata, gateway.KindSerialization:
		return http.StatusBadRequest, string(kind)
	case gateway.KindUnsupported:
		return http.StatusNotImplemented, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

// errBadRequest marks malformed requests rejected by the HTTP layer itself
var errBadRequest = errors.New("bad request")

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string        { return e.msg }
func (e *badRequestError) Is(target error) bool { return target == errBadRequest }

func invalid(msg string) error { return &badRequestError{msg: msg} }

// keyParam returns the decoded {key} path segment. chi matches against
// the raw path whenever the request carried escapes.
func keyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(key)
		if err != nil {
			return "", invalid("invalid file key")
		}
		key = decoded
	}
	if key == "" {
		return "", invalid("file key is required")
	}
	return key, nil
}

// trigger delivers event to subscribed webhooks without blocking the response
func (s *Server) trigger(r *http.Request, event webhooks.Event, storage, key string, meta *gateway.Metadata) {
	s.webhooks.Trigger(r.Context(), webhooks.NewPayload(event, storage, key, meta))
}
