package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plc-visualizer/backend/pkg/metrics"
)

// queryMetrics is the Prometheus implementation of metrics.QueryMetrics.
type queryMetrics struct {
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

// NewQueryMetrics creates a new Prometheus-backed QueryMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewQueryMetrics() metrics.QueryMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &queryMetrics{
		queriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "plcvis_queries_total",
				Help: "Total number of query operations by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		queryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "plcvis_query_duration_milliseconds",
				Help: "Duration of query operations in milliseconds",
				Buckets: []float64{
					1,    // 1ms - indexed point reads
					10,   // 10ms
					50,   // 50ms - warm paginated reads
					200,  // 200ms
					1000, // 1s - cold deep pages
					5000, // 5s - full regex scans
				},
			},
			[]string{"operation"},
		),
	}
}

func (m *queryMetrics) RecordQuery(operation string, duration time.Duration, errored bool) {
	status := "ok"
	if errored {
		status = "error"
	}
	m.queriesTotal.WithLabelValues(operation, status).Inc()
	m.queryDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}
