// Package metrics provides Prometheus metrics for the ESPA fetcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ESPA fetcher.
type Metrics struct {
	// Service metrics
	ServiceRequests        *prometheus.CounterVec
	ServiceRequestDuration *prometheus.HistogramVec

	// Order metrics
	OrdersSubmitted *prometheus.CounterVec
	TilesRemoved    *prometheus.CounterVec
	ItemsByStatus   *prometheus.GaugeVec
	PollCycles      *prometheus.CounterVec
	InFlightOrders  prometheus.Gauge

	// Transfer metrics
	FetchAttempts   *prometheus.CounterVec
	FetchBytes      prometheus.Histogram
	FetchDuration   prometheus.Histogram
	ExtractDuration *prometheus.HistogramVec

	// Delivery metrics
	ArtifactsDelivered *prometheus.CounterVec
	ArtifactsFailed    *prometheus.CounterVec

	// Error metrics
	EventErrors   *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on the
// default Prometheus registry. Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWith(prometheus.DefaultRegisterer, namespace)
}

// InitWith is Init against an explicit registerer.
func InitWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "espa_fetcher"
	}

	factory := promauto.With(reg)

	m := &Metrics{
		ServiceRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_requests_total",
				Help:      "Total number of ESPA API requests by endpoint and HTTP status",
			},
			[]string{"method", "endpoint", "status"},
		),
		ServiceRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_request_duration_seconds",
				Help:      "Latency of ESPA API requests",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"method", "endpoint"},
		),
		OrdersSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_submitted_total",
				Help:      "Order submissions by outcome (submitted, duplicate, repaired, rejected)",
			},
			[]string{"outcome"},
		),
		TilesRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_removed_total",
				Help:      "Tiles dropped from orders by automatic repair",
			},
			[]string{"product"},
		),
		ItemsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "order_items",
				Help:      "Items of an order per status at the last poll",
			},
			[]string{"order_id", "status"},
		),
		PollCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Status polls performed per order",
			},
			[]string{"order_id"},
		),
		InFlightOrders: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_orders",
				Help:      "Number of orders currently being fulfilled",
			},
		),
		FetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Artifact fetch attempts by outcome",
			},
			[]string{"outcome"},
		),
		FetchBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_bytes",
				Help:      "Size of fetched artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 14), // 1MB to ~8GB
			},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch one artifact including retries",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
		),
		ExtractDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extract_duration_seconds",
				Help:      "Time to decompress an artifact",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"format"},
		),
		ArtifactsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_delivered_total",
				Help:      "Artifacts yielded to consumers, split by whether they were freshly materialized",
			},
			[]string{"order_id", "fresh"},
		),
		ArtifactsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_failed_total",
				Help:      "Artifacts whose download or extraction failed",
			},
			[]string{"order_id"},
		),
		EventErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_errors_total",
				Help:      "Total number of delivery event emission errors",
			},
			[]string{"emitter"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// IncServiceRequests counts one ESPA API call.
func (m *Metrics) IncServiceRequests(method, endpoint, status string) {
	m.ServiceRequests.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveServiceRequestDuration records ESPA API latency.
func (m *Metrics) ObserveServiceRequestDuration(method, endpoint string, seconds float64) {
	m.ServiceRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// IncOrdersSubmitted counts a submission outcome.
func (m *Metrics) IncOrdersSubmitted(outcome string) {
	m.OrdersSubmitted.WithLabelValues(outcome).Inc()
}

// AddTilesRemoved counts tiles dropped from a product by repair.
func (m *Metrics) AddTilesRemoved(product string, count float64) {
	m.TilesRemoved.WithLabelValues(product).Add(count)
}

// SetItemsByStatus records how many items of an order sit in a status.
func (m *Metrics) SetItemsByStatus(orderID, status string, count float64) {
	m.ItemsByStatus.WithLabelValues(orderID, status).Set(count)
}

// IncPollCycles counts one status poll for an order.
func (m *Metrics) IncPollCycles(orderID string) {
	m.PollCycles.WithLabelValues(orderID).Inc()
}

// SetInFlightOrders sets the number of orders being fulfilled.
func (m *Metrics) SetInFlightOrders(count float64) {
	m.InFlightOrders.Set(count)
}

// IncFetchAttempts counts a fetch attempt by outcome ("success", "failure").
func (m *Metrics) IncFetchAttempts(outcome string) {
	m.FetchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveFetchBytes records the size of a fetched artifact.
func (m *Metrics) ObserveFetchBytes(bytes float64) {
	m.FetchBytes.Observe(bytes)
}

// ObserveFetchDuration records the wall time of a fetch.
func (m *Metrics) ObserveFetchDuration(seconds float64) {
	m.FetchDuration.Observe(seconds)
}

// ObserveExtractDuration records decompression time for a format.
func (m *Metrics) ObserveExtractDuration(format string, seconds float64) {
	m.ExtractDuration.WithLabelValues(format).Observe(seconds)
}

// IncArtifactsDelivered counts a delivered artifact.
func (m *Metrics) IncArtifactsDelivered(orderID string, fresh bool) {
	label := "false"
	if fresh {
		label = "true"
	}
	m.ArtifactsDelivered.WithLabelValues(orderID, label).Inc()
}

// IncArtifactsFailed counts a failed artifact.
func (m *Metrics) IncArtifactsFailed(orderID string) {
	m.ArtifactsFailed.WithLabelValues(orderID).Inc()
}

// IncEventErrors increments the event emission errors counter.
func (m *Metrics) IncEventErrors(emitter string) {
	m.EventErrors.WithLabelValues(emitter).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
