package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion collectors. A nil *Metrics records nothing.
type Metrics struct {
	processed          prometheus.Counter
	failed             *prometheus.CounterVec
	duplicatesSkipped  prometheus.Counter
	extractionDuration *prometheus.HistogramVec
	batchDuration      prometheus.Histogram
}

// NewMetrics registers the ingestion collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vofc",
			Name:      "submissions_processed_total",
			Help:      "Submissions advanced to completed by the orchestrator.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vofc",
			Name:      "submissions_failed_total",
			Help:      "Submissions released after a failed processing attempt.",
		}, []string{"reason"}),
		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vofc",
			Name:      "duplicates_skipped_total",
			Help:      "Extracted vulnerabilities skipped as duplicates of stored records.",
		}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vofc",
			Name:      "extraction_duration_seconds",
			Help:      "Latency of extraction model calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider", "mode"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vofc",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.processed, m.failed, m.duplicatesSkipped, m.extractionDuration, m.batchDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeProcessed() {
	if m != nil {
		m.processed.Inc()
	}
}

func (m *Metrics) observeFailed(reason string) {
	if m != nil {
		m.failed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observeDuplicates(n int) {
	if m != nil && n > 0 {
		m.duplicatesSkipped.Add(float64(n))
	}
}

func (m *Metrics) observeExtraction(provider, mode string, latencyMs int64) {
	if m != nil {
		m.extractionDuration.WithLabelValues(provider, mode).Observe(float64(latencyMs) / 1000)
	}
}

func (m *Metrics) observeBatch(seconds float64) {
	if m != nil {
		m.batchDuration.Observe(seconds)
	}
}
