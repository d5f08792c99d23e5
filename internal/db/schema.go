package db

import (
	"fmt"
	"strings"

	"github.com/marcus/tandem/internal/models"
)

// SchemaVersion is the current local database schema version.
// It is forwarded to the remote on every pull.
const SchemaVersion = 3

// recordTableDDL is the shape shared by every replicated table.
const recordTableDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL DEFAULT '{}',
    synced INTEGER NOT NULL DEFAULT 0,
    remote_known INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    device_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_synced ON %[1]s(synced);
`

const baseSchema = `
-- Sync cursor rows. Local only; key is intentionally not unique so
-- diagnostics can detect and repair duplicates.
CREATE TABLE IF NOT EXISTS sync_watermarks (
    id TEXT PRIMARY KEY,
    key TEXT NOT NULL,
    last_pulled_at INTEGER NOT NULL DEFAULT 0,
    last_pushed_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_watermarks_key ON sync_watermarks(key);

CREATE TABLE IF NOT EXISTS kv_store (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// schema returns the DDL for a fresh database at version 1.
func schema() string {
	var b strings.Builder
	for _, t := range models.SyncTables {
		fmt.Fprintf(&b, recordTableDDL, t)
	}
	b.WriteString(baseSchema)
	return b.String()
}

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists the schema changes applied on top of the base schema
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Add sync_history and sync_conflicts tables",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    kind TEXT NOT NULL,
    success INTEGER NOT NULL DEFAULT 0,
    full INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT '',
    pulled_created INTEGER NOT NULL DEFAULT 0,
    pulled_updated INTEGER NOT NULL DEFAULT 0,
    pulled_deleted INTEGER NOT NULL DEFAULT 0,
    pushed_created INTEGER NOT NULL DEFAULT 0,
    pushed_updated INTEGER NOT NULL DEFAULT 0,
    pushed_deleted INTEGER NOT NULL DEFAULT 0,
    conflicts INTEGER NOT NULL DEFAULT 0,
    cursor INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    local_data TEXT,
    remote_data TEXT,
    resolution TEXT NOT NULL,
    overwritten_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_at ON sync_conflicts(overwritten_at);
`,
	},
	{
		Version:     3,
		Description: "Add updated_at indexes for pending change scans",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_habits_updated ON habits(updated_at);
CREATE INDEX IF NOT EXISTS idx_habit_logs_updated ON habit_logs(updated_at);
CREATE INDEX IF NOT EXISTS idx_finance_logs_updated ON finance_logs(updated_at);
CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at);
`,
	},
}
