package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RunStarted()
	m.RunStarted()
	m.StepFinished("success")
	m.StepFinished("fail")
	m.RunFinished("success")

	if got := testutil.ToFloat64(m.runsStarted); got != 2 {
		t.Fatalf("runs started = %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Fatalf("active runs = %v", got)
	}
	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("success")); got != 1 {
		t.Fatalf("runs finished = %v", got)
	}
	if got := testutil.ToFloat64(m.stepsFinished.WithLabelValues("fail")); got != 1 {
		t.Fatalf("steps failed = %v", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("fail")
	m.StepFinished("success")
}
