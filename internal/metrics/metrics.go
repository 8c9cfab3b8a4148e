// Package metrics defines the gateway's Prometheus collectors. The HTTP
// layer records them after successful core calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_uploads_total",
		Help: "Total number of successful uploads.",
	}, []string{"storage"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_downloads_total",
		Help: "Total number of successful downloads.",
	}, []string{"storage"})

	deletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_deletes_total",
		Help: "Total number of deletions, hard and soft.",
	}, []string{"storage"})

	uploadedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_uploaded_bytes_total",
		Help: "Total payload bytes accepted.",
	}, []string{"storage"})

	downloadedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_downloaded_bytes_total",
		Help: "Total payload bytes served.",
	}, []string{"storage"})

	versionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_versions_created_total",
		Help: "Total number of versions created.",
	}, []string{"storage"})

	versionsRestoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_versions_restored_total",
		Help: "Total number of version restores.",
	}, []string{"storage"})

	dedupHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dedup_hits_total",
		Help: "Total number of uploads stored as dedup placeholders.",
	}, []string{"storage"})

	shareLinksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_share_links_created_total",
		Help: "Total number of share links created.",
	})

	shareLinksAccessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_share_links_accessed_total",
		Help: "Total number of successful share link downloads.",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of failed requests by error kind.",
	}, []string{"kind"})
)

// RecordUpload counts one upload of size bytes.
func RecordUpload(storage string, size int) {
	uploadsTotal.WithLabelValues(storage).Inc()
	uploadedBytes.WithLabelValues(storage).Add(float64(size))
}

// RecordDownload counts one download of size bytes.
func RecordDownload(storage string, size int) {
	downloadsTotal.WithLabelValues(storage).Inc()
	downloadedBytes.WithLabelValues(storage).Add(float64(size))
}

// RecordDelete counts one deletion.
func RecordDelete(storage string) {
	deletesTotal.WithLabelValues(storage).Inc()
}

// RecordVersionCreated counts one new version.
func RecordVersionCreated(storage string) {
	versionsCreatedTotal.WithLabelValues(storage).Inc()
}

// RecordVersionRestored counts one restore.
func RecordVersionRestored(storage string) {
	versionsRestoredTotal.WithLabelValues(storage).Inc()
}

// RecordDedupHit counts one deduplicated upload.
func RecordDedupHit(storage string) {
	dedupHitsTotal.WithLabelValues(storage).Inc()
}

// RecordShareLinkCreated counts one new share link.
func RecordShareLinkCreated() {
	shareLinksCreatedTotal.Inc()
}

// RecordShareLinkAccessed counts one share link download.
func RecordShareLinkAccessed() {
	shareLinksAccessedTotal.Inc()
}

// RecordError counts one failed request.
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
