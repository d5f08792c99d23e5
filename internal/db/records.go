package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/tandem/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist or is a tombstone.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownTable is returned for tables outside the replicated set.
	ErrUnknownTable = errors.New("unknown table")
	// ErrReservedField is returned when a write names a bookkeeping column as a domain field.
	ErrReservedField = errors.New("reserved field name")
)

// RecordColumns is the column list ScanRecord expects, in order.
const RecordColumns = "id, data, synced, remote_known, deleted_at, created_at, updated_at, device_id"

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRecord reads one row selected with RecordColumns.
// remoteKnown reports whether the remote has ever acknowledged the row.
func ScanRecord(s Scanner) (rec models.Record, remoteKnown bool, err error) {
	var (
		data      string
		synced    int
		known     int
		deletedAt sql.NullInt64
	)
	if err := s.Scan(&rec.ID, &data, &synced, &known, &deletedAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeviceID); err != nil {
		return rec, false, err
	}
	rec.Synced = synced != 0
	if deletedAt.Valid {
		v := deletedAt.Int64
		rec.DeletedAt = &v
	}
	rec.Fields = map[string]any{}
	if data != "" {
		fields, err := models.DecodeFields([]byte(data))
		if err != nil {
			return rec, false, fmt.Errorf("decode %s data: %w", rec.ID, err)
		}
		rec.Fields = fields
	}
	return rec, known != 0, nil
}

// EncodeFields serializes domain fields for the data column.
func EncodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func checkTable(t models.Table) error {
	if _, ok := models.ParseTable(string(t)); !ok || t.LocalOnly() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, t)
	}
	return nil
}

func checkFields(fields map[string]any) error {
	for k := range fields {
		if models.IsReserved(k) {
			return fmt.Errorf("%w: %s", ErrReservedField, k)
		}
	}
	return nil
}

// SetClock overrides the time source used to stamp writes. Intended for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	db.clock = now
	db.mu.Unlock()
}

func (db *DB) nowMillis() int64 {
	if db.clock != nil {
		return db.clock().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// CreateRecord inserts a new unsynced record with a fresh UUIDv7 id.
func (db *DB) CreateRecord(ctx context.Context, t models.Table, fields map[string]any, deviceID string) (*models.Record, error) {
	if err := checkTable(t); err != nil {
		return nil, err
	}
	if err := checkFields(fields); err != nil {
		return nil, err
	}
	data, err := EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	var rec models.Record
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		now := db.nowMillis()
		rec = models.Record{
			ID:        id.String(),
			Fields:    fields,
			CreatedAt: now,
			UpdatedAt: now,
			DeviceID:  deviceID,
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, data, synced, remote_known, created_at, updated_at, device_id)
			VALUES (?, ?, 0, 0, ?, ?, ?)`, t),
			rec.ID, data, now, now, deviceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s record: %w", t, err)
	}
	return &rec, nil
}

// UpdateRecord merges fields into an existing live record and marks it unsynced.
// A nil value removes the key.
func (db *DB) UpdateRecord(ctx context.Context, t models.Table, id string, fields map[string]any, deviceID string) (*models.Record, error) {
	if err := checkTable(t); err != nil {
		return nil, err
	}
	if err := checkFields(fields); err != nil {
		return nil, err
	}

	var rec models.Record
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND deleted_at IS NULL`, RecordColumns, t), id)
		cur, _, err := ScanRecord(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		for k, v := range fields {
			if v == nil {
				delete(cur.Fields, k)
				continue
			}
			cur.Fields[k] = v
		}
		data, err := EncodeFields(cur.Fields)
		if err != nil {
			return err
		}

		cur.UpdatedAt = bump(cur.UpdatedAt, db.nowMillis())
		cur.Synced = false
		cur.DeviceID = deviceID
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET data = ?, synced = 0, updated_at = ?, device_id = ? WHERE id = ?`, t),
			data, cur.UpdatedAt, deviceID, id); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %s record: %w", t, err)
	}
	return &rec, nil
}

// DeleteRecord soft-deletes a live record. The tombstone stays pushable until
// the remote acknowledges it.
func (db *DB) DeleteRecord(ctx context.Context, t models.Table, id string) error {
	if err := checkTable(t); err != nil {
		return err
	}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var updatedAt int64
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT updated_at FROM %s WHERE id = ? AND deleted_at IS NULL`, t), id).Scan(&updatedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		now := bump(updatedAt, db.nowMillis())
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ?, synced = 0 WHERE id = ?`, t), now, now, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s record: %w", t, err)
	}
	return nil
}

// GetRecord returns a live record by id.
func (db *DB) GetRecord(ctx context.Context, t models.Table, id string) (*models.Record, error) {
	if err := checkTable(t); err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND deleted_at IS NULL`, RecordColumns, t), id)
	rec, _, err := ScanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s record: %w", t, err)
	}
	return &rec, nil
}

// ListRecords returns every live record of a table, oldest first.
func (db *DB) ListRecords(ctx context.Context, t models.Table) ([]models.Record, error) {
	if err := checkTable(t); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE deleted_at IS NULL ORDER BY created_at, id`, RecordColumns, t))
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", t, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, _, err := ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UnsyncedCounts returns the number of pending rows per replicated table.
// Tombstones awaiting push are included.
func (db *DB) UnsyncedCounts(ctx context.Context) (map[models.Table]int64, error) {
	counts := make(map[models.Table]int64, len(models.SyncTables))
	for _, t := range models.SyncTables {
		var n int64
		if err := db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE synced = 0`, t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count unsynced %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

// bump returns a timestamp strictly after prev, preferring now.
func bump(prev, now int64) int64 {
	if now <= prev {
		return prev + 1
	}
	return now
}
