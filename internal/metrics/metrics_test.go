package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectAttempt("ssh", nil)
	m.Rebuild()
	m.TunnelState(2)
	m.QueueDepth(3)
	m.QueueWait(time.Second)
	m.AppointmentCreated()
	m.AppointmentRejected("full")
}

func TestConnectAttemptLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectAttempt("ssh", errors.New("refused"))
	m.ConnectAttempt("ssh", errors.New("refused"))
	m.ConnectAttempt("ssh", nil)
	m.ConnectAttempt("forward", nil)

	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues("ssh", "failure")); got != 2 {
		t.Errorf("ssh failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues("ssh", "success")); got != 1 {
		t.Errorf("ssh successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues("forward", "success")); got != 1 {
		t.Errorf("forward successes = %v, want 1", got)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TunnelState(2)
	m.QueueDepth(5)
	m.Rebuild()
	m.AppointmentCreated()
	m.AppointmentRejected("slot_full")

	if got := testutil.ToFloat64(m.tunnelState); got != 2 {
		t.Errorf("tunnel state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 5 {
		t.Errorf("queue depth = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.rebuilds); got != 1 {
		t.Errorf("rebuilds = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.created); got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("slot_full")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Error("expected registered metrics")
	}
}
