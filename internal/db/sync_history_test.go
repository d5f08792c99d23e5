package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/marcus/tandem/internal/models"
)

func TestRecordSyncRun_RoundTrip(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	start := time.UnixMilli(1_700_000_000_000).UTC()
	run := SyncRun{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Kind:       "ok",
		Success:    true,
		Message:    "synced",
		Pulled:     models.Counts{Created: 2},
		Pushed:     models.Counts{Updated: 1, Deleted: 1},
		Conflicts:  1,
		Cursor:     1_700_000_000_900,
	}
	id, err := database.RecordSyncRun(ctx, run)
	if err != nil {
		t.Fatalf("RecordSyncRun: %v", err)
	}
	if id == 0 {
		t.Fatal("expected row id")
	}

	tail, err := database.GetSyncHistoryTail(ctx, 10)
	if err != nil {
		t.Fatalf("GetSyncHistoryTail: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("tail = %d rows, want 1", len(tail))
	}
	got := tail[0]
	if !got.Success || got.Kind != "ok" || got.Pulled.Created != 2 || got.Pushed.Total() != 2 {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Duration() != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", got.Duration())
	}
}

func TestGetSyncHistory_AfterID(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := database.RecordSyncRun(ctx, SyncRun{StartedAt: now, FinishedAt: now, Kind: "ok", Success: true})
		if err != nil {
			t.Fatalf("RecordSyncRun: %v", err)
		}
		ids = append(ids, id)
	}

	runs, err := database.GetSyncHistory(ctx, ids[0], 10)
	if err != nil {
		t.Fatalf("GetSyncHistory: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != ids[1] {
		t.Errorf("runs after %d = %+v", ids[0], runs)
	}
}

func TestLastSuccessfulSync(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	last, err := database.LastSuccessfulSync(ctx)
	if err != nil {
		t.Fatalf("LastSuccessfulSync: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil on empty history, got %+v", last)
	}

	now := time.Now()
	database.RecordSyncRun(ctx, SyncRun{StartedAt: now, FinishedAt: now, Kind: "ok", Success: true, Cursor: 5})
	database.RecordSyncRun(ctx, SyncRun{StartedAt: now, FinishedAt: now, Kind: "no_connection"})

	last, err = database.LastSuccessfulSync(ctx)
	if err != nil {
		t.Fatalf("LastSuccessfulSync: %v", err)
	}
	if last == nil || last.Cursor != 5 {
		t.Errorf("last = %+v, want cursor 5", last)
	}
}

func TestPruneSyncHistory(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		database.RecordSyncRun(ctx, SyncRun{StartedAt: now, FinishedAt: now, Kind: "ok"})
	}
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		return PruneSyncHistory(tx, 2)
	})
	if err != nil {
		t.Fatalf("PruneSyncHistory: %v", err)
	}

	var count int
	database.Conn().QueryRow(`SELECT COUNT(*) FROM sync_history`).Scan(&count)
	if count != 2 {
		t.Errorf("rows = %d, want 2", count)
	}
}

func TestConflicts_RecordAndList(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		if err := RecordConflictTx(tx, SyncConflict{Table: models.TableNotes, RecordID: "a", LocalData: `{"x":1}`, RemoteData: `{"x":2}`, Resolution: "remote", OverwrittenAt: old}); err != nil {
			return err
		}
		return RecordConflictTx(tx, SyncConflict{Table: models.TableHabits, RecordID: "b", Resolution: "local", OverwrittenAt: recent})
	})
	if err != nil {
		t.Fatalf("record conflicts: %v", err)
	}

	all, err := database.GetRecentConflicts(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetRecentConflicts: %v", err)
	}
	if len(all) != 2 || all[0].RecordID != "b" {
		t.Fatalf("conflicts = %+v, want newest first", all)
	}

	since := recent.Add(-time.Minute)
	filtered, err := database.GetRecentConflicts(ctx, 10, &since)
	if err != nil {
		t.Fatalf("GetRecentConflicts since: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Table != models.TableHabits {
		t.Errorf("filtered = %+v", filtered)
	}
}
