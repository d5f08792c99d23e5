package watermark

import (
	"context"
	"testing"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
)

func setup(t *testing.T) (*db.DB, *Store) {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database, New(database)
}

func insertRow(t *testing.T, database *db.DB, id string, pulled, pushed, updated int64) {
	t.Helper()
	_, err := database.Conn().Exec(`
		INSERT INTO sync_watermarks (id, key, last_pulled_at, last_pushed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, id, models.WatermarkKey, pulled, pushed, updated)
	if err != nil {
		t.Fatalf("insert watermark row: %v", err)
	}
}

func TestGet_AbsentReturnsNil(t *testing.T) {
	_, store := setup(t)

	c, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c != nil {
		t.Fatalf("cursor = %+v, want nil", c)
	}
}

func TestSet_Idempotent(t *testing.T) {
	_, store := setup(t)
	ctx := context.Background()

	const ts = int64(1_700_000_000_000)
	for i := 0; i < 2; i++ {
		if err := store.Set(ctx, ts, ts); err != nil {
			t.Fatalf("Set #%d: %v", i+1, err)
		}
	}

	rows, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want exactly 1", len(rows))
	}
	if rows[0].LastPulledAt != ts || rows[0].LastPushedAt != ts {
		t.Errorf("row = %+v, want both fields %d", rows[0], ts)
	}
}

func TestSet_UpdatesInPlace(t *testing.T) {
	_, store := setup(t)
	ctx := context.Background()

	if err := store.Set(ctx, 100, 100); err != nil {
		t.Fatalf("Set: %v", err)
	}
	first, _ := store.List(ctx)

	if err := store.Set(ctx, 200, 150); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rows, _ := store.List(ctx)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].ID != first[0].ID {
		t.Errorf("row id changed from %s to %s", first[0].ID, rows[0].ID)
	}

	c, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *c != (models.Cursor{LastPulledAt: 200, LastPushedAt: 150}) {
		t.Errorf("cursor = %+v", *c)
	}
}

func TestGet_WithDuplicatesPicksGreatestPulled(t *testing.T) {
	database, store := setup(t)
	ctx := context.Background()

	insertRow(t, database, "a", 100, 100, 10)
	insertRow(t, database, "b", 300, 250, 5)
	insertRow(t, database, "c", 300, 200, 20)

	c, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// tie on 300 broken by latest updated_at
	if c.LastPulledAt != 300 || c.LastPushedAt != 200 {
		t.Errorf("cursor = %+v, want row c", *c)
	}

	if err := store.Set(ctx, 400, 400); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rows, _ := store.List(ctx)
	if len(rows) != 3 {
		t.Fatalf("Set must not add or remove rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.LastPulledAt != 400 || r.LastPushedAt != 400 {
			t.Errorf("row %s = %+v, want 400/400", r.ID, r)
		}
	}
}

func TestSet_BackwardsWithDuplicates(t *testing.T) {
	database, store := setup(t)
	ctx := context.Background()

	insertRow(t, database, "a", 300, 300, 10)
	insertRow(t, database, "b", 100, 100, 20)

	if err := store.Set(ctx, 50, 50); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c == nil || c.LastPulledAt != 50 || c.LastPushedAt != 50 {
		t.Fatalf("cursor = %+v, want 50/50", c)
	}
	rows, _ := store.List(ctx)
	if len(rows) != 2 {
		t.Errorf("rows = %d, duplicates are left for diagnostics", len(rows))
	}
}

func TestReset(t *testing.T) {
	database, store := setup(t)
	ctx := context.Background()

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset on empty: %v", err)
	}
	c, _ := store.Get(ctx)
	if c == nil || c.LastPulledAt != 0 || c.LastPushedAt != 0 {
		t.Fatalf("cursor after reset = %+v, want zero row", c)
	}

	insertRow(t, database, "dup", 900, 900, 1)
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c, _ = store.Get(ctx)
	if c.LastPulledAt != 0 {
		t.Errorf("reset left last_pulled_at = %d on a duplicate", c.LastPulledAt)
	}
}

func TestSet_DoesNotTouchSyncedFlags(t *testing.T) {
	database, store := setup(t)
	ctx := context.Background()

	rec, err := database.CreateRecord(ctx, models.TableNotes, map[string]any{"t": 1}, "dev")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := store.Set(ctx, 5, 5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := database.GetRecord(ctx, models.TableNotes, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Synced {
		t.Error("watermark write flipped a synced flag")
	}
}
