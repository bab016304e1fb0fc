package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMaintenanceMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMaintenanceMetrics(reg)
	job := "penalty-warning-sweep"
	metrics.ObserveDuration(job, 250*time.Millisecond)
	metrics.IncSuccess(job)
	metrics.IncFailure(job)
	metrics.IncFailure(job)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "dispatch_maintenance_job_runs_total", map[string]string{"job": job, "status": "success"}); err != nil {
		t.Fatalf("fetch success: %v", err)
	} else if got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "dispatch_maintenance_job_runs_total", map[string]string{"job": job, "status": "failure"}); err != nil {
		t.Fatalf("fetch failure: %v", err)
	} else if got != 2 {
		t.Fatalf("expected failure=2, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "dispatch_maintenance_job_duration_seconds", "job", job); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestDispatchMetricsExportsCountersAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewDispatchMetrics(reg)
	metrics.IncOffer(OfferZone)
	metrics.IncOffer(OfferZone)
	metrics.IncOutcome(OutcomeTimeout)
	metrics.IncEscalation()
	metrics.IncExpiration("zone")
	metrics.SetQueueLength("DEMA", 3)
	metrics.SetQueueLength("DEMA", 2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "dispatch_offers_sent_total", map[string]string{"kind": OfferZone}); err != nil || got != 2 {
		t.Fatalf("expected 2 zone offers, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "dispatch_offer_outcomes_total", map[string]string{"outcome": OutcomeTimeout}); err != nil || got != 1 {
		t.Fatalf("expected 1 timeout, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "dispatch_escalations_total", nil); err != nil || got != 1 {
		t.Fatalf("expected 1 escalation, got %f err=%v", got, err)
	}

	mf := findMetricFamily(mfs, "dispatch_zone_queue_length")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("expected one queue length series")
	}
	if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Fatalf("expected gauge 2, got %f", v)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var dispatch *DispatchMetrics
	dispatch.IncOffer(OfferZone)
	dispatch.SetQueueLength("DEMA", 1)

	var maintenance *MaintenanceMetrics
	maintenance.IncSuccess("job")

	unregistered := NewDispatchMetrics(nil)
	unregistered.IncEscalation()
}

func fetchCounterValue(mfs []*dto.MetricFamily, name string, labels map[string]string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), labels) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing labels %v", name, labels)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), map[string]string{label: value}) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	for name, value := range want {
		found := false
		for _, pair := range pairs {
			if pair.GetName() == name && pair.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
