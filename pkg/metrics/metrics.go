package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define global variables for metrics.
// We use 'promauto' which automatically registers metrics without complex initialization.

var (
	// 1. HTTP Requests Total (Counter)
	// Counts admin API requests, labeled by method, path, and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tyrantdb_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// 2. HTTP Request Duration (Histogram)
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tyrantdb_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// 3. Commands Total (Counter)
	// Counts protocol commands by name and outcome ("ok" or the error kind).
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tyrantdb_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"command", "status"},
	)

	// 4. Command Duration (Histogram)
	// Buckets go from point reads (microseconds) to full table scans.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tyrantdb_command_duration_seconds",
			Help:    "Duration of protocol commands in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"command"},
	)

	// 5. Queries Total (Counter)
	// plan is "index" when a secondary index produced the candidates, "scan" otherwise.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tyrantdb_queries_total",
			Help: "Total number of table queries executed, by plan",
		},
		[]string{"plan"},
	)

	// 6. Store sizes (Gauges)
	// Updated by the server from engine counters.
	RecordsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantdb_records_total",
			Help: "Number of records in the key/value namespace",
		},
	)
	TuplesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantdb_tuples_total",
			Help: "Number of tuples in the table namespace",
		},
	)

	// 7. Connections (Gauge)
	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantdb_open_connections",
			Help: "Number of open client connections",
		},
	)
)

// ObserveQuery counts one executed query.
func ObserveQuery(usedIndex bool) {
	if usedIndex {
		QueriesTotal.WithLabelValues("index").Inc()
		return
	}
	QueriesTotal.WithLabelValues("scan").Inc()
}
