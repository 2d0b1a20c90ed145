package perf

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// TestTimerStop verifies a timer measures elapsed time and tolerates a nil
// logger.
func TestTimerStop(t *testing.T) {
	timer := Start("TestOp", nil)
	if d := timer.Stop(); d < 0 {
		t.Errorf("expected a non-negative duration, got %v", d)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	timer = Start("TestOp", logger)
	if d := timer.StopWithThreshold(time.Hour); d < 0 {
		t.Errorf("expected a non-negative duration, got %v", d)
	}
}

// TestRunMetricsAccumulates verifies Record calls sum durations and counts.
func TestRunMetricsAccumulates(t *testing.T) {
	m := NewRunMetrics()

	m.RecordUdevSettle(100 * time.Millisecond)
	m.RecordUdevSettle(50 * time.Millisecond)
	m.RecordWaitGone(200 * time.Millisecond)

	if m.UdevSettleCount != 2 || m.UdevSettleDuration != 150*time.Millisecond {
		t.Errorf("settle accumulation wrong: %d calls, %v", m.UdevSettleCount, m.UdevSettleDuration)
	}
	if m.WaitGoneCount != 1 || m.WaitGoneDuration != 200*time.Millisecond {
		t.Errorf("wait-gone accumulation wrong: %d calls, %v", m.WaitGoneCount, m.WaitGoneDuration)
	}
}

// TestRunMetricsSummary verifies the formatted summary carries the wait
// percentage.
func TestRunMetricsSummary(t *testing.T) {
	m := NewRunMetrics()
	m.TotalDuration = 1 * time.Second
	m.DevicePasses = 2
	m.RecordUdevSettle(250 * time.Millisecond)

	out := m.Summary()
	if !strings.Contains(out, "25.0% of total") {
		t.Errorf("expected wait percentage in summary, got:\n%s", out)
	}
	if !strings.Contains(out, "(2 passes)") {
		t.Errorf("expected pass count in summary, got:\n%s", out)
	}
}

// TestMetricsContext verifies the context round trip and the nil result for
// a bare context.
func TestMetricsContext(t *testing.T) {
	if got := MetricsFromContext(context.Background()); got != nil {
		t.Errorf("expected nil metrics on a bare context, got %v", got)
	}

	m := NewRunMetrics()
	ctx := WithMetrics(context.Background(), m)
	if got := MetricsFromContext(ctx); got != m {
		t.Error("expected the same metrics back from the context")
	}
}
