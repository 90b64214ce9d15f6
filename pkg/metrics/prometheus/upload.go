// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces. Constructors return nil when the registry was never
// initialized, so callers keep the nil-to-disable contract.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plc-visualizer/backend/pkg/metrics"
)

// uploadMetrics is the Prometheus implementation of metrics.UploadMetrics.
type uploadMetrics struct {
	uploadsTotal          *prometheus.CounterVec
	uploadBytes           prometheus.Histogram
	decompressionDuration *prometheus.HistogramVec
}

// NewUploadMetrics creates a new Prometheus-backed UploadMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewUploadMetrics() metrics.UploadMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &uploadMetrics{
		uploadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "plcvis_uploads_total",
				Help: "Total number of finished upload jobs by terminal status",
			},
			[]string{"status"},
		),
		uploadBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "plcvis_upload_bytes",
				Help: "Distribution of assembled upload sizes in bytes",
				Buckets: []float64{
					1 << 20,  // 1MB
					10 << 20, // 10MB
					50 << 20, // 50MB
					1 << 28,  // 256MB
					1 << 30,  // 1GB
					4 << 30,  // 4GB
				},
			},
		),
		decompressionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "plcvis_decompression_duration_milliseconds",
				Help: "Duration of gzip decompression in milliseconds",
				Buckets: []float64{
					100,    // 100ms - small files
					500,    // 500ms
					1000,   // 1s
					5000,   // 5s
					30000,  // 30s - multi-GB files
					120000, // 2m
				},
			},
			[]string{"status"},
		),
	}
}

func (m *uploadMetrics) RecordUpload(status string, bytes int64) {
	m.uploadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		m.uploadBytes.Observe(float64(bytes))
	}
}

func (m *uploadMetrics) RecordDecompression(duration time.Duration, status string) {
	m.decompressionDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}
