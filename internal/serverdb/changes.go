package serverdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/tandem/internal/models"
)

// ErrInvalidTable is returned when a push names a table the server does not replicate.
var ErrInvalidTable = errors.New("invalid table")

// PullResult is the delta a device has not seen yet.
type PullResult struct {
	Changes   models.ChangeSet
	Timestamp int64
}

// PushResult reports what a push stored.
type PushResult struct {
	Accepted  int
	Timestamp int64
}

// Stats summarises the change log.
type Stats struct {
	Records    int64
	Tombstones int64
	Devices    int64
}

// Pull returns every change stamped after lastPulledAt that deviceID did not
// make itself. Rows first stored after lastPulledAt are reported as created,
// older ones as updated. Timestamp is the server clock the caller should send
// back as its next lastPulledAt.
func (db *ServerDB) Pull(deviceID string, lastPulledAt int64) (*PullResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ts := db.tick()
	rows, err := db.conn.Query(`
		SELECT table_name, id, data, created_at, updated_at, deleted, device_id, first_server_at
		FROM records
		WHERE server_updated_at > ? AND server_updated_at <= ? AND device_id != ?
		ORDER BY server_updated_at, table_name, id`, lastPulledAt, ts, deviceID)
	if err != nil {
		return nil, fmt.Errorf("pull changes: %w", err)
	}
	defer rows.Close()

	cs := make(models.ChangeSet)
	for rows.Next() {
		var (
			table, data string
			rec         models.Record
			deleted     int
			firstAt     int64
		)
		if err := rows.Scan(&table, &rec.ID, &data, &rec.CreatedAt, &rec.UpdatedAt, &deleted, &rec.DeviceID, &firstAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		t := models.Table(table)
		tc := cs[t]
		switch {
		case deleted != 0:
			tc.Deleted = append(tc.Deleted, rec.ID)
		default:
			fields, err := models.DecodeFields([]byte(data))
			if err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", table, rec.ID, err)
			}
			rec.Fields = fields
			if firstAt > lastPulledAt {
				tc.Created = append(tc.Created, rec)
			} else {
				tc.Updated = append(tc.Updated, rec)
			}
		}
		cs[t] = tc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pull changes: iterate: %w", err)
	}

	if err := db.recordPull(deviceID, ts, ts); err != nil {
		return nil, err
	}

	return &PullResult{Changes: cs, Timestamp: ts}, nil
}

// Push stores a device's changes in one transaction. Created and updated
// records replace the stored version unless it carries a newer updated_at.
// Deleted ids become tombstones.
func (db *ServerDB) Push(deviceID string, cs models.ChangeSet) (*PushResult, error) {
	for t := range cs {
		if _, ok := models.ParseTable(string(t)); !ok || t.LocalOnly() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTable, t)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	ts := db.tick()
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin push: %w", err)
	}
	defer tx.Rollback()

	accepted := 0
	for _, t := range cs.Tables() {
		tc := cs[t]
		for _, rec := range append(append([]models.Record{}, tc.Created...), tc.Updated...) {
			if err := upsertRecord(tx, t, rec, deviceID, ts); err != nil {
				return nil, err
			}
			accepted++
		}
		for _, id := range tc.Deleted {
			if _, err := tx.Exec(`
				INSERT INTO records (table_name, id, deleted, device_id, first_server_at, server_updated_at)
				VALUES (?, ?, 1, ?, ?, ?)
				ON CONFLICT(table_name, id) DO UPDATE SET
					deleted = 1, device_id = excluded.device_id, server_updated_at = excluded.server_updated_at`,
				string(t), id, deviceID, ts, ts); err != nil {
				return nil, fmt.Errorf("tombstone %s/%s: %w", t, id, err)
			}
			accepted++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit push: %w", err)
	}

	if err := db.recordPush(deviceID, ts, accepted); err != nil {
		return nil, err
	}

	return &PushResult{Accepted: accepted, Timestamp: ts}, nil
}

func upsertRecord(tx *sql.Tx, t models.Table, rec models.Record, deviceID string, ts int64) error {
	if rec.ID == "" {
		return fmt.Errorf("push %s: record without id", t)
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", t, rec.ID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO records (table_name, id, data, created_at, updated_at, deleted, device_id, first_server_at, server_updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted = 0,
			device_id = excluded.device_id,
			server_updated_at = excluded.server_updated_at
		WHERE excluded.updated_at >= records.updated_at`,
		string(t), rec.ID, string(data), rec.CreatedAt, rec.UpdatedAt, deviceID, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", t, rec.ID, err)
	}
	return nil
}

// Stats counts live records, tombstones and known devices.
func (db *ServerDB) Stats() (*Stats, error) {
	s := &Stats{}
	err := db.conn.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM devices)
		FROM records`).Scan(&s.Records, &s.Tombstones, &s.Devices)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
