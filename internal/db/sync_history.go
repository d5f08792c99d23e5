package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/tandem/internal/models"
)

// maxSyncHistoryRows bounds the sync_history table.
const maxSyncHistoryRows = 500

// SyncRun represents a row from the sync_history table: one sync cycle.
type SyncRun struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Kind       string
	Success    bool
	Full       bool
	Message    string
	Pulled     models.Counts
	Pushed     models.Counts
	Conflicts  int
	Cursor     int64 // committed last_pulled_at, 0 when nothing was committed
}

// Duration returns how long the cycle took.
func (r SyncRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

const syncRunColumns = `id, started_at, finished_at, kind, success, full, message,
	pulled_created, pulled_updated, pulled_deleted,
	pushed_created, pushed_updated, pushed_deleted, conflicts, cursor`

func scanSyncRun(s Scanner) (SyncRun, error) {
	var (
		r                 SyncRun
		started, finished int64
		success, full     int
	)
	err := s.Scan(&r.ID, &started, &finished, &r.Kind, &success, &full, &r.Message,
		&r.Pulled.Created, &r.Pulled.Updated, &r.Pulled.Deleted,
		&r.Pushed.Created, &r.Pushed.Updated, &r.Pushed.Deleted, &r.Conflicts, &r.Cursor)
	if err != nil {
		return r, err
	}
	r.StartedAt = models.FromMillis(started)
	r.FinishedAt = models.FromMillis(finished)
	r.Success = success != 0
	r.Full = full != 0
	return r, nil
}

// RecordSyncRun appends a sync cycle and prunes the table to its newest rows.
func (db *DB) RecordSyncRun(ctx context.Context, r SyncRun) (int64, error) {
	var id int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_history (started_at, finished_at, kind, success, full, message,
				pulled_created, pulled_updated, pulled_deleted,
				pushed_created, pushed_updated, pushed_deleted, conflicts, cursor)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			models.Millis(r.StartedAt), models.Millis(r.FinishedAt), r.Kind, boolInt(r.Success), boolInt(r.Full), r.Message,
			r.Pulled.Created, r.Pulled.Updated, r.Pulled.Deleted,
			r.Pushed.Created, r.Pushed.Updated, r.Pushed.Deleted, r.Conflicts, r.Cursor)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		return PruneSyncHistory(tx, maxSyncHistoryRows)
	})
	if err != nil {
		return 0, fmt.Errorf("record sync run: %w", err)
	}
	return id, nil
}

// GetSyncHistoryTail returns the last N runs in chronological order (oldest first).
func (db *DB) GetSyncHistoryTail(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+syncRunColumns+` FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// GetSyncHistory returns runs with id > afterID, ordered by id ASC.
// Used for follow-mode polling.
func (db *DB) GetSyncHistory(ctx context.Context, afterID int64, limit int) ([]SyncRun, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+syncRunColumns+` FROM sync_history WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastSuccessfulSync returns the most recent successful run, or nil if none.
func (db *DB) LastSuccessfulSync(ctx context.Context) (*SyncRun, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_history WHERE success = 1 ORDER BY id DESC LIMIT 1`)
	r, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last successful sync: %w", err)
	}
	return &r, nil
}

// PruneSyncHistory deletes rows not in the newest maxRows entries.
func PruneSyncHistory(tx *sql.Tx, maxRows int) error {
	_, err := tx.Exec(`
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
