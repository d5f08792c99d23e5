// Package watermark persists the sync cursor: the pair of timestamps marking
// how far this device has pulled from and pushed to the remote.
//
// The cursor lives in the local-only sync_watermarks table under a fixed key.
// The table has no uniqueness constraint on key, so duplicate rows are
// possible after a crash or a bad migration. Reads pick one row (greatest
// last_pulled_at, ties broken by latest updated_at) and writes overwrite every
// row under the key, so sync keeps working until diagnostics repairs the table.
package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `SELECT id, key, last_pulled_at, last_pushed_at, updated_at FROM sync_watermarks`

// chosenOrder ranks duplicate rows; the first row is authoritative.
const chosenOrder = ` ORDER BY last_pulled_at DESC, updated_at DESC, id DESC`

// Store reads and writes the cursor row.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// New returns a Store over database.
func New(database *db.DB) *Store {
	return &Store{db: database, now: time.Now}
}

// Get returns the current cursor, or nil when none has been written yet.
func (s *Store) Get(ctx context.Context) (*models.Cursor, error) {
	w, err := chosen(ctx, s.db.Conn())
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	c := w.Cursor()
	return &c, nil
}

// Set stores both cursor values. Calling it again with the same values leaves
// exactly one row with those values.
func (s *Store) Set(ctx context.Context, lastPulledAt, lastPushedAt int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetTx(ctx, tx, lastPulledAt, lastPushedAt)
	})
}

// Reset sets both cursor values to zero so the next sync pulls everything.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ResetTx(ctx, tx)
	})
}

// List returns every row stored under the cursor key, authoritative row first.
func (s *Store) List(ctx context.Context) ([]models.Watermark, error) {
	return list(ctx, s.db.Conn())
}

// SetTx is Set inside the caller's transaction. The caller must hold the
// database write lock, which db.WithTx provides. Every duplicate row gets the
// new values, so a later Get returns them even when the cursor moves backwards.
func (s *Store) SetTx(ctx context.Context, tx *sql.Tx, lastPulledAt, lastPushedAt int64) error {
	now := s.now().UnixMilli()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_watermarks SET last_pulled_at = ?, last_pushed_at = ?, updated_at = ?
		WHERE key = ?`, lastPulledAt, lastPushedAt, now, models.WatermarkKey)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate watermark id: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_watermarks (id, key, last_pulled_at, last_pushed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, id.String(), models.WatermarkKey, lastPulledAt, lastPushedAt, now)
	if err != nil {
		return fmt.Errorf("insert watermark: %w", err)
	}
	return nil
}

// ResetTx zeroes every row under the cursor key inside the caller's transaction,
// inserting a zero row when none exists. Duplicates are left for diagnostics.
func (s *Store) ResetTx(ctx context.Context, tx *sql.Tx) error {
	return s.SetTx(ctx, tx, 0, 0)
}

// ListTx returns every row under the cursor key inside the caller's transaction.
func ListTx(ctx context.Context, tx *sql.Tx) ([]models.Watermark, error) {
	return list(ctx, tx)
}

// DeleteTx removes the rows with the given ids.
func DeleteTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_watermarks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete watermark %s: %w", id, err)
		}
	}
	return nil
}

func chosen(ctx context.Context, q querier) (*models.Watermark, error) {
	var w models.Watermark
	err := q.QueryRowContext(ctx, selectColumns+` WHERE key = ?`+chosenOrder+` LIMIT 1`, models.WatermarkKey).
		Scan(&w.ID, &w.Key, &w.LastPulledAt, &w.LastPushedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	return &w, nil
}

func list(ctx context.Context, q querier) ([]models.Watermark, error) {
	rows, err := q.QueryContext(ctx, selectColumns+` WHERE key = ?`+chosenOrder, models.WatermarkKey)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	var out []models.Watermark
	for rows.Next() {
		var w models.Watermark
		if err := rows.Scan(&w.ID, &w.Key, &w.LastPulledAt, &w.LastPushedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
