package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- runs table: one row per sweep run, keyed by the deterministic run ID
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    marker TEXT NOT NULL,
    hostname TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    completed_at DATETIME NOT NULL,
    mounts_detached INTEGER NOT NULL DEFAULT 0,
    devices_removed INTEGER NOT NULL DEFAULT 0,
    device_passes INTEGER NOT NULL DEFAULT 0,
    leftover TEXT NOT NULL DEFAULT '[]',
    mount_stage_ms INTEGER NOT NULL DEFAULT 0,
    device_stage_ms INTEGER NOT NULL DEFAULT 0,
    clean BOOLEAN NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (mounts_detached >= 0),
    CHECK (devices_removed >= 0),
    CHECK (device_passes >= 0),
    CHECK (clean IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_hostname ON runs(hostname);
CREATE INDEX IF NOT EXISTS idx_runs_clean ON runs(clean);
`

// archiveKeySchema adds the archived_key column (version 2), recording the
// object key a run's report was uploaded under so operators can find the
// archived JSON from the history row.
const archiveKeySchema = `
-- archived_key: object key of the uploaded report, NULL until archived
ALTER TABLE runs ADD COLUMN archived_key TEXT;

CREATE INDEX IF NOT EXISTS idx_runs_archived_key ON runs(archived_key);
`
