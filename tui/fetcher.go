package tui

import (
	"context"
	"fmt"

	"github.com/superfly/dmsweep"
	"github.com/superfly/dmsweep/database"
	"github.com/superfly/dmsweep/devicemapper"
	"github.com/superfly/dmsweep/inventory"
	"github.com/superfly/dmsweep/ledger"
	"github.com/superfly/dmsweep/sweep"
)

// chronicMinAttempts is how many surviving runs a device needs before the
// dashboard flags it as chronic.
const chronicMinAttempts = 2

// SweepFunc runs a full marker sweep and returns its report. The watch
// dashboard invokes it when the user presses 's'.
type SweepFunc func(ctx context.Context) (*dmsweep.SweepReport, error)

// SnapshotFetcher retrieves watch dashboard data from various sources.
type SnapshotFetcher struct {
	devices sweep.DeviceManager
	mounts  sweep.MountManager
	marker  sweep.Marker

	db      *database.DB // nil when run history is unavailable
	dbPath  string       // Path to the SQLite database (for diagnostics)
	dbError error        // Error from database connection (if any)

	ledger *ledger.Ledger            // nil when the leftover ledger is unavailable
	pool   *devicemapper.PoolManager // nil when no fixture pool is configured

	sweepFunc SweepFunc // Function to trigger a sweep (optional)
}

// NewSnapshotFetcher creates a fetcher that snapshots devices and mounts
// against the given marker.
func NewSnapshotFetcher(devices sweep.DeviceManager, mounts sweep.MountManager, marker sweep.Marker) *SnapshotFetcher {
	return &SnapshotFetcher{
		devices: devices,
		mounts:  mounts,
		marker:  marker,
	}
}

// NewSnapshotFetcherWithHistory creates a fetcher with run history attached,
// keeping the database path and open error around for diagnostics.
func NewSnapshotFetcherWithHistory(devices sweep.DeviceManager, mounts sweep.MountManager, marker sweep.Marker, db *database.DB, dbPath string, dbError error) *SnapshotFetcher {
	f := NewSnapshotFetcher(devices, mounts, marker)
	f.db = db
	f.dbPath = dbPath
	f.dbError = dbError
	return f
}

// SetLedger attaches the leftover ledger for chronic-device reporting.
func (f *SnapshotFetcher) SetLedger(l *ledger.Ledger) {
	f.ledger = l
}

// SetPoolManager attaches a fixture pool whose usage the dashboard reports.
func (f *SnapshotFetcher) SetPoolManager(pm *devicemapper.PoolManager) {
	f.pool = pm
}

// SetSweepFunc sets the function the manual sweep keybinding invokes.
func (f *SnapshotFetcher) SetSweepFunc(fn SweepFunc) {
	f.sweepFunc = fn
}

// Marker returns the marker the fetcher snapshots against.
func (f *SnapshotFetcher) Marker() sweep.Marker {
	return f.marker
}

// DBPath returns the configured database path.
func (f *SnapshotFetcher) DBPath() string {
	return f.dbPath
}

// DBError returns any error from database connection.
func (f *SnapshotFetcher) DBError() error {
	return f.dbError
}

// FetchWatchData retrieves all data needed for the watch dashboard.
// Returns an error if the inventory snapshot fails (for the connection
// status indicator), but still returns partial data for graceful
// degradation.
func (f *SnapshotFetcher) FetchWatchData(ctx context.Context) (*WatchUpdateMsg, error) {
	msg := &WatchUpdateMsg{
		Marked:  []inventory.Resource{},
		Chronic: []ledger.Entry{},
	}

	snap, snapErr := inventory.Take(ctx, f.devices, f.mounts, f.marker)
	if snapErr == nil {
		msg.TakenAt = snap.TakenAt()
		if marked, err := snap.Marked(); err == nil {
			msg.Marked = marked
		}
		if devices, err := snap.Devices(); err == nil {
			msg.DeviceCount = len(devices)
		}
		if mnts, err := snap.Mounts(); err == nil {
			msg.MountCount = len(mnts)
		}
	}

	// Last recorded run (always attempt, even if the snapshot failed)
	if f.db != nil {
		if run, err := f.db.LatestRun(ctx); err == nil {
			msg.LastRun = run
		}
	}

	// Chronic offenders from the leftover ledger
	if f.ledger != nil {
		if chronic, err := f.ledger.Chronic(chronicMinAttempts); err == nil {
			msg.Chronic = chronic
		}
	}

	// Fixture pool usage
	if f.pool != nil {
		if status, err := f.pool.GetPoolStatus(ctx); err == nil && status.Exists {
			msg.Pool = status
		}
	}

	// Return the snapshot error to signal connection status, but still
	// return partial data
	return msg, snapErr
}

// TriggerSweep runs the configured sweep function.
func (f *SnapshotFetcher) TriggerSweep(ctx context.Context) (*dmsweep.SweepReport, error) {
	if f.sweepFunc == nil {
		return nil, fmt.Errorf("sweep function not configured")
	}
	return f.sweepFunc(ctx)
}
