package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
)

// ApplyRemoteChanges reconciles a pulled change-set against local storage by
// record id. Applying the same change-set twice leaves the same state.
//
// Rows with no pending local change are overwritten. Pending rows go through
// resolver. A remote delete removes the local row outright. Local-only tables
// are ignored.
func ApplyRemoteChanges(ctx context.Context, tx *sql.Tx, cs models.ChangeSet, resolver ConflictResolver, now time.Time) (ApplyResult, error) {
	var result ApplyResult
	if resolver == nil {
		resolver = LastWriteWins{}
	}

	for _, table := range cs.Tables() {
		if table.LocalOnly() {
			continue
		}
		tc := cs[table]

		for _, rec := range tc.Created {
			conflict, err := applyRecord(ctx, tx, table, rec, resolver, now)
			if err != nil {
				return result, err
			}
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, *conflict)
			}
			result.Applied.Created++
		}
		for _, rec := range tc.Updated {
			conflict, err := applyRecord(ctx, tx, table, rec, resolver, now)
			if err != nil {
				return result, err
			}
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, *conflict)
			}
			result.Applied.Updated++
		}
		for _, id := range tc.Deleted {
			conflict, err := applyDelete(ctx, tx, table, id, now)
			if err != nil {
				return result, err
			}
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, *conflict)
			}
			result.Applied.Deleted++
		}
	}
	return result, nil
}

func applyRecord(ctx context.Context, tx *sql.Tx, table models.Table, remote models.Record, resolver ConflictResolver, now time.Time) (*ConflictRecord, error) {
	if remote.ID == "" {
		slog.Warn("sync: skipping remote record without id", "table", table)
		return nil, nil
	}

	local, found, err := getLocal(ctx, tx, table, remote.ID)
	if err != nil {
		return nil, err
	}

	if !found || local.Synced {
		return nil, writeRecord(ctx, tx, table, remote, true)
	}

	merged, keepLocal := resolver.Resolve(local, remote)
	merged.ID = remote.ID
	if err := writeRecord(ctx, tx, table, merged, !keepLocal); err != nil {
		return nil, err
	}

	localData, _ := json.Marshal(local)
	remoteData, _ := json.Marshal(remote)
	return &ConflictRecord{
		Table:      table,
		ID:         remote.ID,
		LocalData:  localData,
		RemoteData: remoteData,
		KeptLocal:  keepLocal,
		At:         now,
	}, nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, table models.Table, id string, now time.Time) (*ConflictRecord, error) {
	local, found, err := getLocal(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if local.Synced || local.IsDeleted() {
		return nil, nil
	}

	localData, _ := json.Marshal(local)
	return &ConflictRecord{
		Table:      table,
		ID:         id,
		LocalData:  localData,
		RemoteData: json.RawMessage("null"),
		At:         now,
	}, nil
}

func getLocal(ctx context.Context, tx *sql.Tx, table models.Table, id string) (models.Record, bool, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, db.RecordColumns, table), id)
	rec, _, err := db.ScanRecord(row)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("read local %s/%s: %w", table, id, err)
	}
	return rec, true, nil
}

// writeRecord upserts rec. synced rows are marked as acknowledged by the
// remote; unsynced rows stay pending but are known to the remote.
func writeRecord(ctx context.Context, tx *sql.Tx, table models.Table, rec models.Record, synced bool) error {
	data, err := db.EncodeFields(rec.Fields)
	if err != nil {
		return err
	}
	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = *rec.DeletedAt
	}
	syncedVal := 0
	if synced {
		syncedVal = 1
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data, synced, remote_known, deleted_at, created_at, updated_at, device_id)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			synced = excluded.synced,
			remote_known = 1,
			deleted_at = excluded.deleted_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			device_id = excluded.device_id`, table),
		rec.ID, data, syncedVal, deletedAt, rec.CreatedAt, rec.UpdatedAt, rec.DeviceID)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, rec.ID, err)
	}
	return nil
}

// PendingChanges reads every unsynced row of the replicated tables and
// classifies it. Rows the remote has never acknowledged are created, the
// rest updated. Tombstones are deleted when the remote knows the row;
// otherwise they are captured in the snapshot only, so commit can drop them.
func PendingChanges(ctx context.Context, tx *sql.Tx) (models.ChangeSet, Snapshot, error) {
	cs := models.ChangeSet{}
	snap := Snapshot{}

	for _, table := range models.SyncTables {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE synced = 0 ORDER BY updated_at, id`, db.RecordColumns, table))
		if err != nil {
			return nil, nil, fmt.Errorf("query pending %s: %w", table, err)
		}

		var tc models.TableChanges
		for rows.Next() {
			rec, remoteKnown, err := db.ScanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("scan pending %s: %w", table, err)
			}

			row := PendingRow{ID: rec.ID, UpdatedAt: rec.UpdatedAt, Tombstone: rec.IsDeleted()}
			switch {
			case rec.IsDeleted() && remoteKnown:
				tc.Deleted = append(tc.Deleted, rec.ID)
			case rec.IsDeleted():
				row.Unsent = true
			case remoteKnown:
				tc.Updated = append(tc.Updated, rec)
			default:
				tc.Created = append(tc.Created, rec)
			}
			snap[table] = append(snap[table], row)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("iterate pending %s: %w", table, err)
		}

		if tc.Len() > 0 {
			cs[table] = tc
		}
	}
	return cs, snap, nil
}

// MarkPushed commits a successful push: rows still at their snapshot
// updated_at are marked synced, tombstones are purged. Every pushed row is
// now known to the remote, so later edits go out as updates. Rows edited
// after the snapshot stay pending for the next cycle.
// Returns the number of rows left pending because they changed.
func MarkPushed(ctx context.Context, tx *sql.Tx, snap Snapshot) (int, error) {
	skipped := 0
	for table, rows := range snap {
		for _, r := range rows {
			var (
				res sql.Result
				err error
			)
			if r.Tombstone {
				res, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND updated_at = ? AND synced = 0`, table), r.ID, r.UpdatedAt)
			} else {
				if _, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET remote_known = 1 WHERE id = ?`, table), r.ID); err != nil {
					return skipped, fmt.Errorf("mark known %s/%s: %w", table, r.ID, err)
				}
				res, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE id = ? AND updated_at = ? AND synced = 0`, table), r.ID, r.UpdatedAt)
			}
			if err != nil {
				return skipped, fmt.Errorf("mark pushed %s/%s: %w", table, r.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				skipped++
			}
		}
	}
	return skipped, nil
}

// RecordConflicts persists conflict records inside the apply transaction.
func RecordConflicts(tx *sql.Tx, conflicts []ConflictRecord) error {
	for _, c := range conflicts {
		resolution := "remote"
		if c.KeptLocal {
			resolution = "local"
		}
		err := db.RecordConflictTx(tx, db.SyncConflict{
			Table:         c.Table,
			RecordID:      c.ID,
			LocalData:     string(c.LocalData),
			RemoteData:    string(c.RemoteData),
			Resolution:    resolution,
			OverwrittenAt: c.At,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
