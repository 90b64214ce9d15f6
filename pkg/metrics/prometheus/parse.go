package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plc-visualizer/backend/pkg/metrics"
)

// parseMetrics is the Prometheus implementation of metrics.ParseMetrics.
type parseMetrics struct {
	parsesTotal    *prometheus.CounterVec
	parseDuration  *prometheus.HistogramVec
	entriesParsed  prometheus.Counter
	activeSessions prometheus.Gauge
}

// NewParseMetrics creates a new Prometheus-backed ParseMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewParseMetrics() metrics.ParseMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &parseMetrics{
		parsesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "plcvis_parses_total",
				Help: "Total number of finished parse sessions by parser and terminal status",
			},
			[]string{"parser", "status"},
		),
		parseDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "plcvis_parse_duration_milliseconds",
				Help: "Duration of parse sessions in milliseconds",
				Buckets: []float64{
					50,     // 50ms - cache hits
					500,    // 500ms
					2000,   // 2s
					10000,  // 10s
					60000,  // 1m - million-line files
					300000, // 5m
				},
			},
			[]string{"parser"},
		),
		entriesParsed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "plcvis_entries_parsed_total",
				Help: "Total number of log entries decoded across all sessions",
			},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "plcvis_active_sessions",
				Help: "Current number of live parse sessions",
			},
		),
	}
}

func (m *parseMetrics) RecordParse(parserName string, duration time.Duration, entries int64, status string) {
	m.parsesTotal.WithLabelValues(parserName, status).Inc()
	m.parseDuration.WithLabelValues(parserName).Observe(float64(duration.Milliseconds()))
	if entries > 0 {
		m.entriesParsed.Add(float64(entries))
	}
}

func (m *parseMetrics) SetActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}
