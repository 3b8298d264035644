package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCronJobMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	job := "stale-ingestion-reaper"
	m.ObserveDuration(job, 250*time.Millisecond)
	m.IncSuccess(job)
	m.IncFailure(job)
	m.IncFailure("")

	if got := testutil.ToFloat64(m.success.WithLabelValues(job)); got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.failure.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected empty job name to be labelled unknown, got %f", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	var nilMetrics *CronJobMetrics
	nilMetrics.IncSuccess("x")
	NewCronJobMetrics(nil).IncFailure("x")
	NewIngestionMetrics(nil).AddRows(1, 1)
	NewEnrichmentMetrics(nil).TrackCall()()
}

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ing := NewIngestionMetrics(reg)
	enr := NewEnrichmentMetrics(reg)

	ing.AddRows(8, 2)
	ing.JobFinished("COMPLETE")
	ing.ObserveStage("PROCESSING", time.Second)
	enr.Outcome("timeout")
	done := enr.TrackCall()
	if got := testutil.ToFloat64(enr.inFlight); got != 1 {
		t.Fatalf("expected one call in flight, got %f", got)
	}
	done()

	if got := testutil.ToFloat64(ing.rows.WithLabelValues("failed")); got != 2 {
		t.Fatalf("expected failed rows=2, got %f", got)
	}
	if got := testutil.ToFloat64(enr.outcomes.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("expected timeout outcome=1, got %f", got)
	}
	if got := testutil.ToFloat64(enr.inFlight); got != 0 {
		t.Fatalf("expected in-flight gauge back to zero, got %f", got)
	}
}
