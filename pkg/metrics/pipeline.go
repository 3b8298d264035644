package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestionMetrics tracks row throughput and terminal job states.
type IngestionMetrics struct {
	rows      *prometheus.CounterVec
	jobs      *prometheus.CounterVec
	stageTime *prometheus.HistogramVec
}

func NewIngestionMetrics(reg prometheus.Registerer) *IngestionMetrics {
	if reg == nil {
		return &IngestionMetrics{}
	}
	m := &IngestionMetrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "rows_total",
			Help:      "Staging rows processed, by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "jobs_finished_total",
			Help:      "Ingestion jobs reaching a terminal status.",
		}, []string{"status"}),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each ingestion stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
	}
	reg.MustRegister(m.rows, m.jobs, m.stageTime)
	return m
}

func (m *IngestionMetrics) AddRows(ok, failed int) {
	if m == nil || m.rows == nil {
		return
	}
	m.rows.WithLabelValues("ok").Add(float64(ok))
	m.rows.WithLabelValues("failed").Add(float64(failed))
}

func (m *IngestionMetrics) JobFinished(status string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *IngestionMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.stageTime == nil {
		return
	}
	m.stageTime.WithLabelValues(normalizeLabel(stage)).Observe(d.Seconds())
}

// EnrichmentMetrics tracks vendor calls and outcome classification.
type EnrichmentMetrics struct {
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
	inFlight prometheus.Gauge
}

func NewEnrichmentMetrics(reg prometheus.Registerer) *EnrichmentMetrics {
	if reg == nil {
		return &EnrichmentMetrics{}
	}
	m := &EnrichmentMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "outcomes_total",
			Help:      "Enrichment outcomes recorded, by status.",
		}, []string{"status"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "vendor_call_seconds",
			Help:      "Latency of individual vendor lookup attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "vendor_calls_in_flight",
			Help:      "Vendor lookups currently in flight.",
		}),
	}
	reg.MustRegister(m.outcomes, m.latency, m.inFlight)
	return m
}

func (m *EnrichmentMetrics) Outcome(status string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(status)).Inc()
}

// TrackCall marks a vendor call in flight and returns a func that records its latency.
func (m *EnrichmentMetrics) TrackCall() func() {
	if m == nil || m.latency == nil {
		return func() {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func() {
		m.inFlight.Dec()
		m.latency.Observe(time.Since(start).Seconds())
	}
}
