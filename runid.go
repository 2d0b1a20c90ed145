package dmsweep

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// runIDNamespace is a stable, process-wide namespace used when deriving
// deterministic run IDs from a run's identity key (hostname + start time).
//
// The exact value is not externally visible, but must remain stable over time
// so that the same identity key always yields the same run_id.
const runIDNamespace = "dmsweep-v1"

// DeriveRunID deterministically derives a run_id from the host a sweep ran on
// and the moment it started.
//
// This function is the single source of truth for run identity:
//   - The identity key for a run is (hostname, start time).
//   - run_id is a stable SHA256 hash of (namespace, hostname, start time).
//   - Re-deriving the ID for the same run always yields the same value, so
//     the history row, ledger entries and archived report for one run all
//     converge on one identifier.
//
// The returned ID is a lowercase hexadecimal string with a "run_" prefix,
// making it easily identifiable in logs and databases.
//
// # Example
//
//	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
//
//	// Same host and start time always produce the same run_id
//	id1 := DeriveRunID("worker-7", started)
//	id2 := DeriveRunID("worker-7", started)
//	// id1 == id2 (guaranteed)
//
//	// A different host produces a different run_id
//	id3 := DeriveRunID("worker-8", started)
//	// id3 != id1 (with overwhelming probability)
func DeriveRunID(hostname string, startedAt time.Time) string {
	key := hostname + ":" + startedAt.UTC().Format(time.RFC3339Nano)
	h := sha256.Sum256([]byte(runIDNamespace + ":" + key))
	return "run_" + hex.EncodeToString(h[:])
}

// DeriveReportKey returns the object key under which a run's report is
// archived. Keys are partitioned by start date so bucket listings stay cheap,
// and are deterministic: re-archiving the same run overwrites the same object
// instead of accumulating duplicates.
//
// The layout is "reports/YYYY/MM/DD/<run_id>.json", always in UTC.
func DeriveReportKey(startedAt time.Time, runID string) string {
	return fmt.Sprintf("reports/%s/%s.json", startedAt.UTC().Format("2006/01/02"), runID)
}
