package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/netstatus"
	"github.com/marcus/tandem/internal/watermark"
)

func newTestEngine(t *testing.T, database *db.DB, remote Remote, network netstatus.Checker) *Engine {
	t.Helper()
	return NewEngine(Config{
		DB:      database,
		Remote:  remote,
		Devices: fixedDevice("device-a"),
		Network: network,
	})
}

func TestSync_EndToEnd(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	for _, amount := range []float64{12.5, 40} {
		if _, err := database.CreateRecord(ctx, models.TableFinanceLogs, map[string]any{"amount": amount}, "device-a"); err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
	}

	habit := remoteRecord("habit-log-1", time.Now().UnixMilli(), map[string]any{"habit_id": "h1", "done": true})
	remote := &fakeRemote{
		changes: map[string]any{
			"habit_logs": models.TableChanges{Created: []models.Record{habit}},
		},
		timestamp: func() int64 { return time.Now().UnixMilli() },
	}
	engine := newTestEngine(t, database, remote, nil)

	start := time.Now().UnixMilli()
	out := engine.Sync(ctx)
	if !out.Success {
		t.Fatalf("sync failed: %s (%v)", out.Message, out.Err)
	}

	got, err := database.GetRecord(ctx, models.TableHabitLogs, "habit-log-1")
	if err != nil {
		t.Fatalf("pulled habit log missing: %v", err)
	}
	if !got.Synced || got.Fields["habit_id"] != "h1" {
		t.Errorf("pulled record = %+v", got)
	}

	if _, pushes := remote.calls(); pushes != 1 {
		t.Fatalf("pushes = %d, want 1", pushes)
	}
	sent := remote.pushes[0]
	if len(sent.Changes) != 1 {
		t.Fatalf("push carried tables %v, want only finance_logs", sent.Changes.Tables())
	}
	fin := sent.Changes[models.TableFinanceLogs]
	if len(fin.Created) != 2 || len(fin.Updated) != 0 || len(fin.Deleted) != 0 {
		t.Errorf("finance_logs push = %d/%d/%d, want 2/0/0", len(fin.Created), len(fin.Updated), len(fin.Deleted))
	}
	if sent.DeviceID != "device-a" || sent.LastPulledAt < start || sent.LastPulledAt != out.Cursor.LastPulledAt {
		t.Errorf("push request = device %q lastPulledAt %d, want the pull timestamp %d",
			sent.DeviceID, sent.LastPulledAt, out.Cursor.LastPulledAt)
	}

	if out.Pulled != (models.Counts{Created: 1}) {
		t.Errorf("pulled = %v, want created=1", out.Pulled)
	}
	if out.Pushed != (models.Counts{Created: 2}) {
		t.Errorf("pushed = %v, want created=2", out.Pushed)
	}

	cur, err := watermark.New(database).Get(ctx)
	if err != nil || cur == nil {
		t.Fatalf("cursor = %v, %v", cur, err)
	}
	if cur.LastPulledAt < start || cur.LastPushedAt < start {
		t.Errorf("cursor %+v not advanced past start %d", *cur, start)
	}
	if out.Cursor != *cur {
		t.Errorf("outcome cursor %+v != stored %+v", out.Cursor, *cur)
	}

	counts, _ := database.UnsyncedCounts(ctx)
	for table, n := range counts {
		if n != 0 {
			t.Errorf("%s has %d unsynced rows after sync", table, n)
		}
	}
	if engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", engine.State())
	}
}

func TestSync_EmptyPushMakesNoCall(t *testing.T) {
	database := setupDB(t)
	remote := &fakeRemote{timestamp: func() int64 { return 1000 }}
	engine := newTestEngine(t, database, remote, nil)

	out := engine.Sync(context.Background())
	if !out.Success {
		t.Fatalf("sync failed: %s", out.Message)
	}
	if _, pushes := remote.calls(); pushes != 0 {
		t.Errorf("pushes = %d, want 0", pushes)
	}
	if out.Pushed != (models.Counts{}) {
		t.Errorf("pushed = %v, want zero", out.Pushed)
	}
}

func TestSync_PushFailureKeepsCursor(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	store := watermark.New(database)

	const T = int64(1_700_000_000_000)
	if err := store.Set(ctx, T, T); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rec, err := database.CreateRecord(ctx, models.TableNotes, map[string]any{"body": "x"}, "device-a")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	remote := &fakeRemote{
		changes: map[string]any{
			"habits": models.TableChanges{Created: []models.Record{remoteRecord("h-1", T+5, map[string]any{"name": "run"})}},
		},
		timestamp: func() int64 { return T + 10 },
		pushErr:   errors.New("503 service unavailable"),
	}
	engine := newTestEngine(t, database, remote, nil)

	out := engine.Sync(ctx)
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Kind != KindRemoteError {
		t.Errorf("kind = %s, want remote_error", out.Kind)
	}
	var re *RemoteError
	if !errors.As(out.Err, &re) || re.Op != "push" {
		t.Errorf("err = %v, want push RemoteError", out.Err)
	}
	if !strings.Contains(out.Message, "remote rejected") {
		t.Errorf("message = %q", out.Message)
	}
	// partial tallies are still reported
	if out.Pulled.Created != 1 {
		t.Errorf("pulled = %v, want created=1", out.Pulled)
	}

	cur, _ := store.Get(ctx)
	if cur.LastPulledAt != T || cur.LastPushedAt != T {
		t.Errorf("cursor = %+v, want both %d", *cur, T)
	}
	got, _ := database.GetRecord(ctx, models.TableNotes, rec.ID)
	if got.Synced {
		t.Error("record marked synced after failed push")
	}
	if engine.State() != StateIdle {
		t.Errorf("state = %s after failure, want idle", engine.State())
	}

	// retry with the unchanged cursor succeeds and applies the pull idempotently
	remote.mu.Lock()
	remote.pushErr = nil
	remote.mu.Unlock()
	out = engine.Sync(ctx)
	if !out.Success {
		t.Fatalf("retry failed: %s", out.Message)
	}
	if n := countRows(t, database, `SELECT COUNT(*) FROM habits`); n != 1 {
		t.Errorf("habits rows = %d, want 1", n)
	}
	if remote.pulls[1].LastPulledAt != T {
		t.Errorf("retry pulled from %d, want %d", remote.pulls[1].LastPulledAt, T)
	}
}

func TestSync_PullFailure(t *testing.T) {
	database := setupDB(t)
	remote := &fakeRemote{pullErr: errors.New("connection reset")}
	engine := newTestEngine(t, database, remote, nil)

	out := engine.Sync(context.Background())
	if out.Success || out.Kind != KindRemoteError {
		t.Fatalf("outcome = %+v, want remote_error", out)
	}
	if _, pushes := remote.calls(); pushes != 0 {
		t.Error("push attempted after failed pull")
	}
	if cur, _ := watermark.New(database).Get(context.Background()); cur != nil {
		t.Errorf("cursor written after failed pull: %+v", *cur)
	}
}

func TestSync_NoConnection(t *testing.T) {
	database := setupDB(t)
	remote := &fakeRemote{}
	engine := newTestEngine(t, database, remote, netstatus.NewStatic(false))

	out := engine.Sync(context.Background())
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Kind != KindNoConnection || out.Message != "no connection" {
		t.Errorf("outcome = %s %q", out.Kind, out.Message)
	}
	if !errors.Is(out.Err, ErrNoConnection) {
		t.Errorf("err = %v", out.Err)
	}
	if pulls, pushes := remote.calls(); pulls+pushes != 0 {
		t.Errorf("remote called %d/%d times", pulls, pushes)
	}
}

func TestSync_MutualExclusion(t *testing.T) {
	database := setupDB(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{onPull: func() {
		close(entered)
		<-release
	}}

	var checks atomic.Int32
	network := netstatus.CheckerFunc(func(context.Context) bool {
		checks.Add(1)
		return true
	})
	engine := newTestEngine(t, database, remote, network)

	var first Outcome
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = engine.Sync(context.Background())
	}()
	<-entered

	if !engine.IsSyncing() {
		t.Error("IsSyncing = false during a cycle")
	}
	second := engine.Sync(context.Background())
	if second.Success {
		t.Error("second sync should not succeed")
	}
	if second.Kind != KindInProgress || !strings.Contains(second.Message, "already in progress") {
		t.Errorf("second outcome = %s %q", second.Kind, second.Message)
	}
	if pulls, _ := remote.calls(); pulls != 1 {
		t.Errorf("pulls = %d, want 1", pulls)
	}
	if checks.Load() != 1 {
		t.Errorf("connectivity checks = %d, want 1", checks.Load())
	}

	close(release)
	wg.Wait()
	if !first.Success {
		t.Errorf("first sync failed: %s", first.Message)
	}

	// guard released
	remote.mu.Lock()
	remote.onPull = nil
	remote.mu.Unlock()
	if out := engine.Sync(context.Background()); !out.Success {
		t.Errorf("sync after release failed: %s", out.Message)
	}
}

func TestForceFullSync_PullsFromZero(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	store := watermark.New(database)
	if err := store.Set(ctx, 5000, 5000); err != nil {
		t.Fatalf("Set: %v", err)
	}

	remote := &fakeRemote{timestamp: func() int64 { return 9000 }}
	engine := newTestEngine(t, database, remote, nil)

	out := engine.ForceFullSync(ctx)
	if !out.Success || !out.Full {
		t.Fatalf("outcome = %+v", out)
	}
	if remote.pulls[0].LastPulledAt != 0 {
		t.Errorf("full sync pulled from %d, want 0", remote.pulls[0].LastPulledAt)
	}
	cur, _ := store.Get(ctx)
	if cur.LastPulledAt != 9000 {
		t.Errorf("cursor = %d, want 9000", cur.LastPulledAt)
	}

	// a regular sync afterwards continues from the committed cursor
	engine.Sync(ctx)
	if remote.pulls[1].LastPulledAt != 9000 {
		t.Errorf("next pull from %d, want 9000", remote.pulls[1].LastPulledAt)
	}
}

func TestForceFullSync_RejectedWhileSyncing(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	store := watermark.New(database)
	store.Set(ctx, 7000, 7000)

	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{
		timestamp: func() int64 { return 8000 },
		onPull: func() {
			close(entered)
			<-release
		},
	}
	engine := newTestEngine(t, database, remote, nil)

	done := make(chan Outcome)
	go func() { done <- engine.Sync(ctx) }()
	<-entered

	full := engine.ForceFullSync(ctx)
	if full.Kind != KindInProgress {
		t.Errorf("force full kind = %s, want in_progress", full.Kind)
	}
	cur, _ := store.Get(ctx)
	if cur.LastPulledAt != 7000 {
		t.Errorf("rejected full sync reset the cursor to %d", cur.LastPulledAt)
	}
	close(release)
	<-done
}

func TestSync_ScrubsLocalOnlyAndUnknownTables(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	remote := &fakeRemote{
		changes: map[string]any{
			"sync_watermarks": models.TableChanges{Created: []models.Record{remoteRecord("wm-evil", 1, map[string]any{"key": "last_sync"})}},
			"widgets":         models.TableChanges{Created: []models.Record{remoteRecord("w-1", 1, nil)}},
			"notes":           models.TableChanges{Created: []models.Record{remoteRecord("n-1", 1, map[string]any{"body": "hi"})}},
		},
		timestamp: func() int64 { return 4242 },
	}
	engine := newTestEngine(t, database, remote, nil)

	out := engine.Sync(ctx)
	if !out.Success {
		t.Fatalf("sync failed: %s", out.Message)
	}
	if out.Pulled != (models.Counts{Created: 1}) {
		t.Errorf("pulled = %v, want only the note", out.Pulled)
	}
	if n := countRows(t, database, `SELECT COUNT(*) FROM sync_watermarks`); n != 1 {
		t.Errorf("sync_watermarks rows = %d, want 1", n)
	}
	if n := countRows(t, database, `SELECT COUNT(*) FROM sync_watermarks WHERE id = 'wm-evil'`); n != 0 {
		t.Error("remote row leaked into sync_watermarks")
	}
}

func TestSync_FallsBackToClientClock(t *testing.T) {
	database := setupDB(t)
	fixed := time.UnixMilli(1_800_000_000_000)
	engine := NewEngine(Config{
		DB:      database,
		Remote:  &fakeRemote{}, // timestamp 0
		Devices: fixedDevice("device-a"),
		Now:     func() time.Time { return fixed },
	})

	out := engine.Sync(context.Background())
	if !out.Success {
		t.Fatalf("sync failed: %s", out.Message)
	}
	if out.Cursor.LastPulledAt != fixed.UnixMilli() {
		t.Errorf("cursor = %d, want client clock %d", out.Cursor.LastPulledAt, fixed.UnixMilli())
	}
}

func TestSync_PushUsesStoredCursorWithoutServerTimestamp(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	if err := watermark.New(database).Set(ctx, 7000, 7000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := database.CreateRecord(ctx, models.TableNotes, map[string]any{"title": "n"}, "device-a"); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	remote := &fakeRemote{} // timestamp 0
	engine := newTestEngine(t, database, remote, nil)

	out := engine.Sync(ctx)
	if !out.Success {
		t.Fatalf("sync failed: %s", out.Message)
	}
	if _, pushes := remote.calls(); pushes != 1 {
		t.Fatalf("pushes = %d, want 1", pushes)
	}
	if got := remote.pushes[0].LastPulledAt; got != 7000 {
		t.Errorf("push lastPulledAt = %d, want stored cursor 7000", got)
	}
}

func TestSync_RowEditedDuringPushStaysPending(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	rec, err := database.CreateRecord(ctx, models.TableHabits, map[string]any{"name": "a"}, "device-a")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	remote := &fakeRemote{timestamp: func() int64 { return 100 }}
	remote.onPush = func(PushRequest) {
		if _, err := database.UpdateRecord(ctx, models.TableHabits, rec.ID, map[string]any{"name": "b"}, "device-a"); err != nil {
			t.Errorf("UpdateRecord during push: %v", err)
		}
	}
	engine := newTestEngine(t, database, remote, nil)

	if out := engine.Sync(ctx); !out.Success {
		t.Fatalf("sync failed: %s", out.Message)
	}
	got, _ := database.GetRecord(ctx, models.TableHabits, rec.ID)
	if got.Synced {
		t.Fatal("row edited during push was marked synced")
	}

	// next cycle sends it as an update since the remote has seen it
	remote.onPush = nil
	engine.Sync(ctx)
	last := remote.pushes[len(remote.pushes)-1]
	if len(last.Changes[models.TableHabits].Updated) != 1 {
		t.Errorf("second push = %+v, want one habits update", last.Changes)
	}
}

func TestSync_PushesAndPurgesTombstones(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	remote := &fakeRemote{timestamp: func() int64 { return 10 }}
	engine := newTestEngine(t, database, remote, nil)

	known, _ := database.CreateRecord(ctx, models.TableNotes, map[string]any{"body": "keep"}, "device-a")
	if out := engine.Sync(ctx); !out.Success {
		t.Fatalf("first sync: %s", out.Message)
	}
	neverSent, _ := database.CreateRecord(ctx, models.TableNotes, map[string]any{"body": "gone"}, "device-a")
	database.DeleteRecord(ctx, models.TableNotes, known.ID)
	database.DeleteRecord(ctx, models.TableNotes, neverSent.ID)

	out := engine.Sync(ctx)
	if !out.Success {
		t.Fatalf("second sync: %s", out.Message)
	}
	if out.Pushed != (models.Counts{Deleted: 1}) {
		t.Errorf("pushed = %v, want deleted=1", out.Pushed)
	}
	last := remote.pushes[len(remote.pushes)-1]
	if del := last.Changes[models.TableNotes].Deleted; len(del) != 1 || del[0] != known.ID {
		t.Errorf("deleted ids = %v, want [%s]", del, known.ID)
	}
	if n := countRows(t, database, `SELECT COUNT(*) FROM notes`); n != 0 {
		t.Errorf("notes rows = %d, want tombstones purged", n)
	}
}

type panicRemote struct{}

func (panicRemote) Pull(context.Context, PullRequest) (*PullResponse, error) { panic("boom") }
func (panicRemote) Push(context.Context, PushRequest) error                  { return nil }

func TestSync_PanicBecomesLocalError(t *testing.T) {
	database := setupDB(t)
	engine := newTestEngine(t, database, panicRemote{}, nil)

	out := engine.Sync(context.Background())
	if out.Success || out.Kind != KindLocalError {
		t.Fatalf("outcome = %s %q, want local_error", out.Kind, out.Message)
	}
	if engine.State() != StateIdle {
		t.Errorf("state = %s after panic, want idle", engine.State())
	}
	if out := engine.Sync(context.Background()); out.Kind == KindInProgress {
		t.Error("guard not released after panic")
	}
}

func TestSync_RecordsHistory(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	remote := &fakeRemote{timestamp: func() int64 { return 77 }}
	engine := newTestEngine(t, database, remote, nil)

	if !engine.LastSyncedAt(ctx).IsZero() {
		t.Error("LastSyncedAt should be zero before any sync")
	}
	engine.Sync(ctx)
	remote.pullErr = errors.New("down")
	engine.Sync(ctx)

	runs, err := database.GetSyncHistoryTail(ctx, 10)
	if err != nil {
		t.Fatalf("GetSyncHistoryTail: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("history rows = %d, want 2", len(runs))
	}
	if !runs[0].Success || runs[0].Cursor != 77 {
		t.Errorf("first run = %+v", runs[0])
	}
	if runs[1].Success || runs[1].Kind != string(KindRemoteError) {
		t.Errorf("second run = %+v", runs[1])
	}
	if engine.LastSyncedAt(ctx).IsZero() {
		t.Error("LastSyncedAt not set after success")
	}
}
