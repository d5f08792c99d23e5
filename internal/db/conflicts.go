package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/tandem/internal/models"
)

// SyncConflict represents a row from the sync_conflicts table: a pending
// local row that a pulled remote row overwrote or lost to.
type SyncConflict struct {
	ID            int64
	Table         models.Table
	RecordID      string
	LocalData     string
	RemoteData    string
	Resolution    string // "remote" or "local"
	OverwrittenAt time.Time
}

// RecordConflictTx logs a conflict inside the caller's transaction.
func RecordConflictTx(tx *sql.Tx, c SyncConflict) error {
	_, err := tx.Exec(`
		INSERT INTO sync_conflicts (table_name, record_id, local_data, remote_data, resolution, overwritten_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.Table), c.RecordID, c.LocalData, c.RemoteData, c.Resolution, models.Millis(c.OverwrittenAt))
	if err != nil {
		return fmt.Errorf("record conflict %s/%s: %w", c.Table, c.RecordID, err)
	}
	return nil
}

// GetRecentConflicts returns recent sync conflicts, most recent first.
// If since is non-nil, only conflicts at or after that time are returned.
func (db *DB) GetRecentConflicts(ctx context.Context, limit int, since *time.Time) ([]SyncConflict, error) {
	var sinceMs int64
	if since != nil {
		sinceMs = models.Millis(*since)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, table_name, record_id, COALESCE(local_data,'null'), COALESCE(remote_data,'null'), resolution, overwritten_at
		FROM sync_conflicts
		WHERE overwritten_at >= ?
		ORDER BY overwritten_at DESC, id DESC
		LIMIT ?
	`, sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []SyncConflict
	for rows.Next() {
		var c SyncConflict
		var table string
		var at int64
		if err := rows.Scan(&c.ID, &table, &c.RecordID, &c.LocalData, &c.RemoteData, &c.Resolution, &at); err != nil {
			return nil, err
		}
		c.Table = models.Table(table)
		c.OverwrittenAt = models.FromMillis(at)
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
