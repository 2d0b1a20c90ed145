package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/superfly/dmsweep"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRun decodes one runs row. The leftover column holds the device names
// as a JSON array so the row round-trips the report's listing order.
func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var leftover string
	var errText, archivedKey sql.NullString

	err := row.Scan(
		&run.ID, &run.RunID, &run.Marker, &run.Hostname,
		&run.StartedAt, &run.CompletedAt,
		&run.MountsDetached, &run.DevicesRemoved, &run.DevicePasses,
		&leftover, &run.MountStageMs, &run.DeviceStageMs,
		&run.Clean, &errText, &archivedKey, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(leftover), &run.Leftover); err != nil {
		return nil, fmt.Errorf("failed to decode leftover names for run %s: %w", run.RunID, err)
	}
	if errText.Valid {
		run.Error = errText.String
	}
	if archivedKey.Valid {
		run.ArchivedKey = archivedKey.String
	}

	return &run, nil
}

// RecordRun stores or updates the history row for a finished sweep run.
// Recording is idempotent: the deterministic run ID keys the row, so
// re-recording the same run updates it in place.
func (d *DB) RecordRun(ctx context.Context, report *dmsweep.SweepReport) error {
	leftover := report.Leftover
	if leftover == nil {
		leftover = []string{}
	}
	names, err := json.Marshal(leftover)
	if err != nil {
		return fmt.Errorf("failed to encode leftover names: %w", err)
	}

	var errText interface{}
	if report.Error != "" {
		errText = report.Error
	}

	query := `
		INSERT INTO runs (run_id, marker, hostname, started_at, completed_at,
		                  mounts_detached, devices_removed, device_passes,
		                  leftover, mount_stage_ms, device_stage_ms, clean, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			completed_at = excluded.completed_at,
			mounts_detached = excluded.mounts_detached,
			devices_removed = excluded.devices_removed,
			device_passes = excluded.device_passes,
			leftover = excluded.leftover,
			mount_stage_ms = excluded.mount_stage_ms,
			device_stage_ms = excluded.device_stage_ms,
			clean = excluded.clean,
			error = excluded.error
	`

	res, err := d.db.ExecContext(ctx, query,
		report.RunID, report.Marker, report.Hostname,
		report.StartedAt, report.CompletedAt,
		report.MountsDetached, report.DevicesRemoved, report.DevicePasses,
		string(names), report.MountStageMs, report.DeviceStageMs,
		report.Clean, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	// Diagnostic logging to track DB writes
	rows, _ := res.RowsAffected()
	log.Printf("[DB-WRITE] RecordRun: rows=%d, run_id=%s, clean=%t, db_file=%s",
		rows, report.RunID, report.Clean, d.path)

	return nil
}

// RecordArchivedKey stores the object key a run's report was uploaded under.
func (d *DB) RecordArchivedKey(ctx context.Context, runID, key string) error {
	query := `UPDATE runs SET archived_key = ? WHERE run_id = ?`

	result, err := d.db.ExecContext(ctx, query, key, runID)
	if err != nil {
		return fmt.Errorf("failed to record archived key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}

	return nil
}

// GetRun retrieves a run by its run_id.
// Returns nil if no such run was recorded.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, run_id, marker, hostname, started_at, completed_at,
		       mounts_detached, devices_removed, device_passes, leftover,
		       mount_stage_ms, device_stage_ms, clean, error, archived_key, created_at
		FROM runs
		WHERE run_id = ?
	`

	run, err := scanRun(d.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return run, nil
}

// LatestRun retrieves the most recently started run.
// Returns nil if no runs have been recorded yet.
func (d *DB) LatestRun(ctx context.Context) (*Run, error) {
	query := `
		SELECT id, run_id, marker, hostname, started_at, completed_at,
		       mounts_detached, devices_removed, device_passes, leftover,
		       mount_stage_ms, device_stage_ms, clean, error, archived_key, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT 1
	`

	run, err := scanRun(d.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}

	return run, nil
}

// ListRuns lists recorded runs, most recently started first.
// A limit of 0 or less lists all runs.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT id, run_id, marker, hostname, started_at, completed_at,
		       mounts_detached, devices_removed, device_passes, leftover,
		       mount_stage_ms, device_stage_ms, clean, error, archived_key, created_at
		FROM runs
		ORDER BY started_at DESC
	`

	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// CountRuns returns the number of recorded runs.
func (d *DB) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// PruneOlderThan deletes runs that started before the cutoff and returns how
// many rows were removed. Used to keep the history database bounded.
func (d *DB) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		log.Printf("[DB-WRITE] PruneOlderThan: rows=%d, cutoff=%s, db_file=%s",
			rows, cutoff.Format(time.RFC3339), d.path)
	}

	return rows, nil
}
