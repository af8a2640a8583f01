// Package metrics exposes the Prometheus metrics of the CATMAID client.
// Metrics are defined in their respective packages (client, cache) with
// promauto and registered on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry the client and cache metrics are
// registered on.
var Registry = prometheus.DefaultRegisterer

// Handler serves all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache), labelled by cache name:
//   - catmaid_cache_hits_total{cache} (Counter): Lookups answered from the cache
//   - catmaid_cache_misses_total{cache} (Counter): Lookups that found no usable entry
//   - catmaid_cache_removals_total{cache, reason} (Counter): Entries removed (size, expired, cleared)
//   - catmaid_cache_rejected_total{cache} (Counter): Values refused as larger than the size limit
//   - catmaid_cache_size_bytes{cache} (Gauge): Total size of stored values
//   - catmaid_cache_entries{cache} (Gauge): Number of stored entries
//   - catmaid_cache_snapshot_operations_total{cache, operation, result} (Counter): Saves and loads
//
// Request Metrics (pkg/client):
//   - catmaid_requests_total{method, status} (Counter): Requests by method and outcome
//     (HTTP status, cache_hit or network_error)
//   - catmaid_request_duration_seconds{method} (Histogram): Fetch duration including retries
//   - catmaid_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, api)
//
// Retry Metrics (pkg/client):
//   - catmaid_retries_total{error_class} (Counter): Retry attempts by error class
//   - catmaid_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - catmaid_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(catmaid_cache_hits_total[5m])) /
//   (sum(rate(catmaid_cache_hits_total[5m])) + sum(rate(catmaid_cache_misses_total[5m])))
//
//   # Cache Fill
//   catmaid_cache_size_bytes / (1024 * 1024)
//
//   # Eviction Pressure
//   rate(catmaid_cache_removals_total{reason="size"}[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(catmaid_request_duration_seconds_bucket[5m]))
