package dmsweep

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/superfly/dmsweep/sweep"
)

// TestNewSweepReport_CleanRun verifies a successful run yields a clean report
// with the summary counters and stage durations carried over.
func TestNewSweepReport_CleanRun(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)
	sum := sweep.Summary{
		MountsDetached: 2,
		DevicesRemoved: 5,
		DevicePasses:   3,
		MountStage:     120 * time.Millisecond,
		DeviceStage:    2400 * time.Millisecond,
	}

	r := NewSweepReport("worker-7", "_dmsweep_test_delme", started, completed, sum, nil)

	if !r.Clean {
		t.Error("expected a clean report for a run with no error and no leftovers")
	}
	if r.Error != "" {
		t.Errorf("expected empty error text, got %q", r.Error)
	}
	if r.RunID != DeriveRunID("worker-7", started) {
		t.Errorf("run ID not derived from host and start time: %q", r.RunID)
	}
	if r.MountsDetached != 2 || r.DevicesRemoved != 5 || r.DevicePasses != 3 {
		t.Errorf("summary counters not carried over: %+v", r)
	}
	if r.MountStageMs != 120 || r.DeviceStageMs != 2400 {
		t.Errorf("stage durations not converted to milliseconds: %d/%d", r.MountStageMs, r.DeviceStageMs)
	}
	if r.Duration() != 3*time.Second {
		t.Errorf("expected 3s duration, got %v", r.Duration())
	}
}

// TestNewSweepReport_CapturesFailure verifies the run error's text lands in
// the report and marks it not clean.
func TestNewSweepReport_CapturesFailure(t *testing.T) {
	started := time.Now().UTC()
	runErr := errors.New("failed to ensure all test-generated filesystems were unmounted: device busy")

	r := NewSweepReport("worker-7", "_dmsweep_test_delme", started, started.Add(time.Second), sweep.Summary{}, runErr)

	if r.Clean {
		t.Error("a failed run must not produce a clean report")
	}
	if r.Error != runErr.Error() {
		t.Errorf("expected error text %q, got %q", runErr.Error(), r.Error)
	}
}

// TestNewSweepReport_LeftoverIsNotClean verifies leftovers alone disqualify a
// report from being clean, independent of the run error.
func TestNewSweepReport_LeftoverIsNotClean(t *testing.T) {
	started := time.Now().UTC()
	sum := sweep.Summary{
		DevicesRemoved: 1,
		DevicePasses:   2,
		Leftover:       []string{"stuck_dmsweep_test_delme"},
	}

	r := NewSweepReport("worker-7", "_dmsweep_test_delme", started, started.Add(time.Second), sum, nil)

	if r.Clean {
		t.Error("a run with leftover devices must not produce a clean report")
	}
	if len(r.Leftover) != 1 || r.Leftover[0] != "stuck_dmsweep_test_delme" {
		t.Errorf("leftover names not carried over: %v", r.Leftover)
	}
}

// TestSweepReportJSONShape pins the wire field names that the history
// database and archived reports depend on, including omitempty behavior for
// clean runs.
func TestSweepReportJSONShape(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewSweepReport("worker-7", "_dmsweep_test_delme", started, started.Add(time.Second), sweep.Summary{}, nil)

	data, err := r.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	body := string(data)

	for _, key := range []string{`"run_id"`, `"marker"`, `"hostname"`, `"started_at"`, `"completed_at"`, `"mounts_detached"`, `"devices_removed"`, `"device_passes"`, `"mount_stage_ms"`, `"device_stage_ms"`, `"clean"`} {
		if !strings.Contains(body, key) {
			t.Errorf("expected JSON key %s in %s", key, body)
		}
	}
	for _, key := range []string{`"leftover"`, `"error"`} {
		if strings.Contains(body, key) {
			t.Errorf("expected key %s to be omitted from a clean report: %s", key, body)
		}
	}
}

// TestSweepReportRoundTrip verifies an archived report decodes back to the
// same record.
func TestSweepReportRoundTrip(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sum := sweep.Summary{
		MountsDetached: 1,
		DevicesRemoved: 4,
		DevicePasses:   2,
		Leftover:       []string{"a_dmsweep_test_delme"},
	}
	orig := NewSweepReport("worker-7", "_dmsweep_test_delme", started, started.Add(time.Second), sum, errors.New("some test-generated DM devices remaining: [a_dmsweep_test_delme]"))

	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	got, err := UnmarshalSweepReport(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got.RunID != orig.RunID || got.Error != orig.Error || got.DevicesRemoved != orig.DevicesRemoved {
		t.Errorf("report changed across encode/decode:\n  orig: %+v\n  got:  %+v", orig, got)
	}
	if len(got.Leftover) != 1 || got.Leftover[0] != "a_dmsweep_test_delme" {
		t.Errorf("leftover names changed across encode/decode: %v", got.Leftover)
	}
}

// TestUnmarshalSweepReport_BadInput verifies malformed JSON is rejected.
func TestUnmarshalSweepReport_BadInput(t *testing.T) {
	if _, err := UnmarshalSweepReport([]byte("{not json")); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}
