package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/superfly/dmsweep"
	"github.com/superfly/dmsweep/sweep"
)

// newTestDB opens a fresh history database under a temporary directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "history.db")

	db, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

// makeReport builds a report for a run that started at the given time.
func makeReport(hostname string, started time.Time, sum sweep.Summary, runErr error) *dmsweep.SweepReport {
	return dmsweep.NewSweepReport(hostname, "_dmsweep_test_delme", started, started.Add(2*time.Second), sum, runErr)
}

// TestRecordRun_RoundTrip verifies a recorded run reads back with all fields
// intact, including leftover names in their original order.
func TestRecordRun_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sum := sweep.Summary{
		MountsDetached: 2,
		DevicesRemoved: 5,
		DevicePasses:   3,
		Leftover:       []string{"c_dmsweep_test_delme", "a_dmsweep_test_delme"},
		MountStage:     120 * time.Millisecond,
		DeviceStage:    2400 * time.Millisecond,
	}
	report := makeReport("worker-7", started, sum, nil)

	if err := db.RecordRun(ctx, report); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	run, err := db.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("failed to read run back: %v", err)
	}
	if run == nil {
		t.Fatal("recorded run not found")
	}

	if run.RunID != report.RunID || run.Marker != report.Marker || run.Hostname != "worker-7" {
		t.Errorf("identity fields changed across the database: %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("expected start time %v, got %v", started, run.StartedAt)
	}
	if run.MountsDetached != 2 || run.DevicesRemoved != 5 || run.DevicePasses != 3 {
		t.Errorf("counters changed across the database: %+v", run)
	}
	if run.MountStageMs != 120 || run.DeviceStageMs != 2400 {
		t.Errorf("stage durations changed across the database: %d/%d", run.MountStageMs, run.DeviceStageMs)
	}
	if len(run.Leftover) != 2 || run.Leftover[0] != "c_dmsweep_test_delme" || run.Leftover[1] != "a_dmsweep_test_delme" {
		t.Errorf("leftover names or their order changed: %v", run.Leftover)
	}
	if run.Clean {
		t.Error("a run with leftovers must not read back clean")
	}
	if run.ArchivedKey != "" {
		t.Errorf("expected no archived key yet, got %q", run.ArchivedKey)
	}
}

// TestRecordRun_Idempotent verifies re-recording the same run converges on
// one row instead of accumulating duplicates.
func TestRecordRun_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := makeReport("worker-7", started, sweep.Summary{DevicesRemoved: 1}, nil)

	if err := db.RecordRun(ctx, report); err != nil {
		t.Fatalf("first record failed: %v", err)
	}

	// A retry after a crash re-derives the same run ID with final counters.
	report.DevicesRemoved = 4
	if err := db.RecordRun(ctx, report); err != nil {
		t.Fatalf("second record failed: %v", err)
	}

	count, err := db.CountRuns(ctx)
	if err != nil {
		t.Fatalf("failed to count runs: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after re-recording, got %d", count)
	}

	run, err := db.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("failed to read run back: %v", err)
	}
	if run.DevicesRemoved != 4 {
		t.Errorf("expected re-record to update counters, got %d", run.DevicesRemoved)
	}
}

// TestRecordRun_CapturesError verifies the failure text survives the
// database round trip.
func TestRecordRun_CapturesError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	runErr := &sweep.LeftoverDevicesError{Names: []string{"stuck_dmsweep_test_delme"}}
	report := makeReport("worker-7", started, sweep.Summary{Leftover: runErr.Names}, runErr)

	if err := db.RecordRun(ctx, report); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	run, err := db.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("failed to read run back: %v", err)
	}
	if run.Error != runErr.Error() {
		t.Errorf("expected error text %q, got %q", runErr.Error(), run.Error)
	}
}

// TestGetRun_Missing verifies an unknown run ID yields nil without error.
func TestGetRun_Missing(t *testing.T) {
	db := newTestDB(t)

	run, err := db.GetRun(context.Background(), "run_doesnotexist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for unknown run, got %+v", run)
	}
}

// TestLatestRun verifies the most recently started run wins, and that an
// empty history yields nil without error.
func TestLatestRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run, err := db.LatestRun(ctx)
	if err != nil {
		t.Fatalf("unexpected error on empty history: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil on empty history, got %+v", run)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 2 * time.Hour, 1 * time.Hour} {
		report := makeReport("worker-7", base.Add(offset), sweep.Summary{}, nil)
		if err := db.RecordRun(ctx, report); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	run, err = db.LatestRun(ctx)
	if err != nil {
		t.Fatalf("failed to query latest run: %v", err)
	}
	if run == nil {
		t.Fatal("expected a latest run")
	}
	if !run.StartedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("expected the 14:00 run to be latest, got %v", run.StartedAt)
	}
}

// TestListRuns verifies newest-first ordering and the optional limit.
func TestListRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		report := makeReport("worker-7", base.Add(time.Duration(i)*time.Hour), sweep.Summary{}, nil)
		if err := db.RecordRun(ctx, report); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	runs, err := db.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs with limit, got %d", len(runs))
	}
	if !runs[0].StartedAt.Equal(base.Add(2*time.Hour)) || !runs[1].StartedAt.Equal(base.Add(1*time.Hour)) {
		t.Errorf("expected newest-first ordering, got %v then %v", runs[0].StartedAt, runs[1].StartedAt)
	}

	all, err := db.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list all runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs without limit, got %d", len(all))
	}
}

// TestPruneOlderThan verifies old runs are removed and newer ones survive.
func TestPruneOlderThan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		report := makeReport("worker-7", base.Add(time.Duration(i)*24*time.Hour), sweep.Summary{}, nil)
		if err := db.RecordRun(ctx, report); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	pruned, err := db.PruneOlderThan(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned rows, got %d", pruned)
	}

	count, err := db.CountRuns(ctx)
	if err != nil {
		t.Fatalf("failed to count runs: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 surviving run, got %d", count)
	}
}

// TestRecordArchivedKey verifies the archive key lands on the right row and
// unknown runs are rejected.
func TestRecordArchivedKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := makeReport("worker-7", started, sweep.Summary{}, nil)
	if err := db.RecordRun(ctx, report); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	key := dmsweep.DeriveReportKey(started, report.RunID)
	if err := db.RecordArchivedKey(ctx, report.RunID, key); err != nil {
		t.Fatalf("failed to record archived key: %v", err)
	}

	run, err := db.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("failed to read run back: %v", err)
	}
	if run.ArchivedKey != key {
		t.Errorf("expected archived key %q, got %q", key, run.ArchivedKey)
	}

	if err := db.RecordArchivedKey(ctx, "run_doesnotexist", key); err == nil {
		t.Error("expected an error for an unknown run")
	}
}

// TestReopenExistingDatabase verifies migrations are idempotent across
// process restarts.
func TestReopenExistingDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "history.db")

	db, err := New(cfg)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := makeReport("worker-7", started, sweep.Summary{}, nil)
	if err := db.RecordRun(context.Background(), report); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.CountRuns(context.Background())
	if err != nil {
		t.Fatalf("failed to count runs after reopen: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the recorded run to survive reopen, got %d rows", count)
	}
}
