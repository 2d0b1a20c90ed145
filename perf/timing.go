// Package perf provides performance measurement utilities for the sweep
// pipeline.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// RunMetrics tracks timing for one whole sweep run. Stage fields are set by
// the caller once the run finishes; Record methods accumulate waits that
// happen along the way and are safe for concurrent use.
type RunMetrics struct {
	mu sync.Mutex

	// Stage timings
	MountStageDuration  time.Duration
	DeviceStageDuration time.Duration
	TotalDuration       time.Duration

	// Bookkeeping timings
	DBWriteDuration time.Duration
	ArchiveDuration time.Duration

	// Wait/stabilization timings (optimization targets)
	UdevSettleDuration time.Duration
	WaitGoneDuration   time.Duration

	// Counts
	DevicePasses    int
	UdevSettleCount int
	WaitGoneCount   int
}

// NewRunMetrics creates a new metrics tracker.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{}
}

// RecordUdevSettle records a udev settle call.
func (m *RunMetrics) RecordUdevSettle(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UdevSettleDuration += duration
	m.UdevSettleCount++
}

// RecordWaitGone records a wait for a device node to disappear.
func (m *RunMetrics) RecordWaitGone(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WaitGoneDuration += duration
	m.WaitGoneCount++
}

// RecordDBWrite records time spent persisting the run's history row.
func (m *RunMetrics) RecordDBWrite(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBWriteDuration += duration
}

// RecordArchive records time spent uploading the run's report.
func (m *RunMetrics) RecordArchive(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArchiveDuration += duration
}

// Summary returns a formatted summary of the metrics.
func (m *RunMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalWaitTime := m.UdevSettleDuration + m.WaitGoneDuration

	var waitPercent float64
	if m.TotalDuration > 0 {
		waitPercent = float64(totalWaitTime) / float64(m.TotalDuration) * 100
	}

	return fmt.Sprintf(`
=== Sweep Performance Metrics ===
Total Duration:        %v

Stage Durations:
  Mount sweep:         %v
  Device sweep:        %v (%d passes)

Wait/Stabilization (optimization targets):
  udevSettle:          %v (%d calls)
  waitDeviceGone:      %v (%d calls)
  TOTAL WAIT TIME:     %v (%.1f%% of total)

Bookkeeping:
  DB Write:            %v
  Archive:             %v
`,
		m.TotalDuration,
		m.MountStageDuration,
		m.DeviceStageDuration, m.DevicePasses,
		m.UdevSettleDuration, m.UdevSettleCount,
		m.WaitGoneDuration, m.WaitGoneCount,
		totalWaitTime,
		waitPercent,
		m.DBWriteDuration,
		m.ArchiveDuration,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *RunMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *RunMetrics {
	m, _ := ctx.Value(contextKey{}).(*RunMetrics)
	return m
}
