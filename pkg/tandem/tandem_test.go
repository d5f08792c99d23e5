package tandem

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marcus/tandem/internal/api"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/netstatus"
	"github.com/marcus/tandem/internal/scheduler"
	"github.com/marcus/tandem/internal/serverdb"
	tsync "github.com/marcus/tandem/internal/sync"
)

func newServer(t *testing.T) string {
	t.Helper()
	store, err := serverdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := api.NewServer(api.DefaultConfig(), store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts.URL
}

func newClient(t *testing.T, url string, opts ...func(*Options)) *Client {
	t.Helper()
	o := Options{
		DataDir:   t.TempDir(),
		ServerURL: url,
		Network:   netstatus.NewStatic(true),
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := Open(o)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenRequiresRemote(t *testing.T) {
	_, err := Open(Options{DataDir: t.TempDir()})
	if !errors.Is(err, ErrNoRemote) {
		t.Fatalf("expected ErrNoRemote, got %v", err)
	}
}

func TestOpenMustExist(t *testing.T) {
	_, err := Open(Options{DataDir: t.TempDir(), MustExist: true, ServerURL: "http://127.0.0.1:1"})
	if err == nil || !strings.Contains(err.Error(), "database not found") {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func TestOpenWithSQLHandle(t *testing.T) {
	ctx := context.Background()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	defer conn.Close()

	if _, err := Open(Options{DataDir: t.TempDir(), DB: conn, ServerURL: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("expected error when both DataDir and DB are set")
	}

	c, err := Open(Options{DB: conn, ServerURL: newServer(t), Network: netstatus.NewStatic(true)})
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	if _, err := c.Create(ctx, models.TableNotes, map[string]any{"body": "hi"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if out := c.PerformSync(ctx); !out.Success || out.Pushed.Created != 1 {
		t.Fatalf("expected 1 pushed create, got %+v", out)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the caller's handle stays open
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("notes via caller handle = %d (%v), want 1", n, err)
	}
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	phone := newClient(t, url)
	laptop := newClient(t, url)

	for _, amount := range []float64{4.5, 12} {
		if _, err := phone.Create(ctx, models.TableFinanceLogs, map[string]any{"amount": amount}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if n, err := phone.PendingChangesCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 pending, got %d (%v)", n, err)
	}

	out := phone.PerformSync(ctx)
	if !out.Success {
		t.Fatalf("phone sync failed: %s", out.Message)
	}
	if out.Pushed.Created != 2 {
		t.Fatalf("expected 2 pushed creates, got %s", out.Pushed)
	}
	if n, _ := phone.PendingChangesCount(ctx); n != 0 {
		t.Fatalf("expected nothing pending after sync, got %d", n)
	}

	out = laptop.PerformSync(ctx)
	if !out.Success || out.Pulled.Created != 2 {
		t.Fatalf("expected laptop to pull 2 creates, got %+v", out)
	}
	recs, err := laptop.List(ctx, models.TableFinanceLogs)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 finance logs on laptop, got %d", len(recs))
	}

	// Delete on the laptop reaches the phone
	if err := laptop.Delete(ctx, models.TableFinanceLogs, recs[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if out := laptop.PerformSync(ctx); !out.Success || out.Pushed.Deleted != 1 {
		t.Fatalf("expected laptop to push 1 delete, got %+v", out)
	}
	if out := phone.PerformSync(ctx); !out.Success || out.Pulled.Deleted != 1 {
		t.Fatalf("expected phone to pull 1 delete, got %+v", out)
	}
	left, _ := phone.List(ctx, models.TableFinanceLogs)
	if len(left) != 1 {
		t.Fatalf("expected 1 finance log on phone, got %d", len(left))
	}
}

func TestForceFullSyncRepullsEverything(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	a := newClient(t, url)
	b := newClient(t, url)

	if _, err := a.Create(ctx, models.TableHabits, map[string]any{"name": "read"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	a.PerformSync(ctx)
	if out := b.PerformSync(ctx); out.Pulled.Total() != 1 {
		t.Fatalf("expected 1 pulled, got %s", out.Pulled)
	}
	if out := b.PerformSync(ctx); out.Pulled.Total() != 0 {
		t.Fatalf("expected incremental sync to pull nothing, got %s", out.Pulled)
	}

	out := b.ForceFullSync(ctx)
	if !out.Success || !out.Full {
		t.Fatalf("expected successful full sync, got %+v", out)
	}
	if out.Pulled.Total() != 1 {
		t.Fatalf("expected full sync to re-pull 1 record, got %s", out.Pulled)
	}
}

func TestSyncOfflineKeepsPending(t *testing.T) {
	ctx := context.Background()
	net := netstatus.NewStatic(false)
	c := newClient(t, newServer(t), func(o *Options) { o.Network = net })

	if _, err := c.Create(ctx, models.TableNotes, map[string]any{"body": "hi"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	out := c.PerformSync(ctx)
	if out.Success || out.Kind != tsync.KindNoConnection {
		t.Fatalf("expected no_connection outcome, got %+v", out)
	}
	if n, _ := c.PendingChangesCount(ctx); n != 1 {
		t.Fatalf("expected change to stay pending, got %d", n)
	}
	if !c.SyncStatus(ctx).LastSyncedAt.IsZero() {
		t.Fatal("expected no last sync time after a failed sync")
	}

	net.Set(true)
	if out := c.PerformSync(ctx); !out.Success {
		t.Fatalf("expected sync to succeed once online: %s", out.Message)
	}
	if c.SyncStatus(ctx).LastSyncedAt.IsZero() {
		t.Fatal("expected last sync time after success")
	}
}

func TestAutoSyncLifecycle(t *testing.T) {
	ctx := context.Background()
	outcomes := make(chan Outcome, 4)
	c := newClient(t, newServer(t), func(o *Options) {
		o.AutoSync = scheduler.Config{InitialDelay: 10 * time.Millisecond, Interval: time.Hour}
		o.OnOutcome = func(out Outcome) { outcomes <- out }
	})

	if c.SyncStatus(ctx).AutoSyncEnabled {
		t.Fatal("expected auto sync off before start")
	}
	if c.TriggerSync() {
		t.Fatal("expected trigger to be refused while stopped")
	}

	c.StartAutoSync()
	c.StartAutoSync()
	if !c.SyncStatus(ctx).AutoSyncEnabled {
		t.Fatal("expected auto sync on")
	}

	select {
	case out := <-outcomes:
		if !out.Success {
			t.Fatalf("initial sync failed: %s", out.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial sync")
	}

	c.StopAutoSync()
	c.StopAutoSync()
	if c.SyncStatus(ctx).AutoSyncEnabled {
		t.Fatal("expected auto sync off after stop")
	}
}

func TestDiagnosticReport(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newServer(t))
	if _, err := c.Create(ctx, models.TableHabitLogs, map[string]any{"done": true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	report, err := c.DiagnosticReport(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(report, "Pending changes") {
		t.Fatalf("unexpected report:\n%s", report)
	}
}

func TestIntegrityAndRepair(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newServer(t))
	if out := c.PerformSync(ctx); !out.Success {
		t.Fatalf("sync failed: %s", out.Message)
	}

	report, err := c.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsValid {
		t.Fatalf("expected a valid store after sync, got %v", report.Issues)
	}
	res, err := c.RepairDuplicateWatermarks(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if res.Removed != 0 {
		t.Fatalf("expected nothing to remove, removed %d", res.Removed)
	}
}
