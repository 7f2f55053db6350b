package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "connector"

// Upload outcomes used as label values.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds the Prometheus collectors for uploads. A nil *Metrics is a no-op.
type Metrics struct {
	uploads        *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	pending        *prometheus.GaugeVec
	manifestWrites *prometheus.CounterVec
}

// NewMetrics registers the upload collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploaded files by worker and outcome.",
		}, []string{"worker", "outcome", "error_kind"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Upload attempts including retries.",
		}, []string{"worker"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes uploaded by worker.",
		}, []string{"worker"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time spent uploading one file, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"worker"}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_files",
			Help:      "Files seen but not yet stable.",
		}, []string{"worker"}),
		manifestWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_writes_total",
			Help:      "Manifest writes by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeUpload(o Outcome, size int64) {
	if m == nil {
		return
	}
	outcome := outcomeFailure
	if o.Success {
		outcome = outcomeSuccess
		m.bytes.WithLabelValues(o.Worker).Add(float64(size))
	}
	m.uploads.WithLabelValues(o.Worker, outcome, o.ErrorKind).Inc()
	m.attempts.WithLabelValues(o.Worker).Add(float64(o.Attempts))
	m.duration.WithLabelValues(o.Worker).Observe(o.Duration.Seconds())
}

func (m *Metrics) setPending(worker string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(worker).Set(float64(n))
}

func (m *Metrics) observeManifest(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.manifestWrites.WithLabelValues(outcomeFailure).Inc()
		return
	}
	m.manifestWrites.WithLabelValues(outcomeSuccess).Inc()
}
