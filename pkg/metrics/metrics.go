// Package metrics exposes the enricher's Prometheus metrics over HTTP.
// All metrics are defined in their respective packages (client, cache, ratelimit,
// directory, batch) via promauto and land in the default registry.
//
// This package provides the scrape handler and a reference of what is exported.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every enricher metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// HealthHandler answers liveness probes.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// NewServeMux returns a mux with /metrics and /health.
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler)
	return mux
}

// Metrics Documentation
//
// Transport (pkg/client):
//   - enricher_http_requests_total{endpoint, status} (Counter): attempts by endpoint and HTTP status
//   - enricher_http_request_duration_seconds{endpoint} (Histogram): attempt duration
//   - enricher_http_retries_total{error_class} (Counter): retries by error class
//   - enricher_http_retry_backoff_seconds{error_class} (Histogram): wait before each retry
//   - enricher_http_retry_exhausted_total{error_class} (Counter): requests that used up the retry budget
//
// Cache (pkg/cache):
//   - enricher_cache_hits_total (Counter)
//   - enricher_cache_misses_total (Counter)
//   - enricher_conditional_requests_total (Counter): requests sent with If-None-Match/If-Modified-Since
//   - enricher_304_responses_total (Counter): responses answered from the cache
//   - enricher_cache_errors_total{operation} (Counter)
//
// Credentials (pkg/ratelimit):
//   - enricher_quota_remaining{credential} (Gauge): last quota read per pool index
//   - enricher_quota_query_failures_total (Counter): quota reads treated as exhausted
//   - enricher_credential_rotations_total{reason} (Counter)
//   - enricher_cooldowns_total (Counter)
//
// Lookups (pkg/directory):
//   - enricher_lookups_total{outcome} (Counter): profile_email, readme_email, not_found, rejected, error
//
// Batch (pkg/batch):
//   - enricher_batch_records_total{outcome} (Counter): skipped, resolved, unresolved, failed
//   - enricher_checkpoints_total (Counter)
//   - enricher_checkpoint_errors_total (Counter)
//
// Example Prometheus Queries:
//
//   # Share of lookups that found an address
//   sum(rate(enricher_lookups_total{outcome=~".*_email"}[5m])) / sum(rate(enricher_lookups_total[5m]))
//
//   # Credentials close to exhaustion
//   enricher_quota_remaining < 100
//
//   # 304 Response Rate
//   rate(enricher_304_responses_total[5m]) / rate(enricher_http_requests_total[5m])
