// Package syncharness drives several local databases against one real sync
// server so multi-device convergence can be tested end to end.
package syncharness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/tandem/internal/api"
	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/netstatus"
	"github.com/marcus/tandem/internal/serverdb"
	tsync "github.com/marcus/tandem/internal/sync"
	"github.com/marcus/tandem/internal/syncclient"
)

// SimulatedClient is one device: its own database, engine and network switch.
type SimulatedClient struct {
	DeviceID string
	DB       *db.DB
	Engine   *tsync.Engine
	Network  *netstatus.Static

	mu    sync.Mutex
	clock time.Time // zero means wall clock
}

// Now returns the client's clock.
func (c *SimulatedClient) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock.IsZero() {
		return time.Now()
	}
	return c.clock
}

// SetClock pins the client's clock. A zero time restores the wall clock.
func (c *SimulatedClient) SetClock(t time.Time) {
	c.mu.Lock()
	c.clock = t
	c.mu.Unlock()
}

type staticDevice string

func (d staticDevice) DeviceID(context.Context) (string, error) { return string(d), nil }

// Harness manages a sync server and N simulated clients.
type Harness struct {
	t       *testing.T
	Store   *serverdb.ServerDB
	Server  *httptest.Server
	Clients map[string]*SimulatedClient
}

// NewHarness starts a server and creates numClients clients named
// client-A, client-B, ...
func NewHarness(t *testing.T, numClients int) *Harness {
	t.Helper()

	store, err := serverdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	cfg := api.DefaultConfig()
	cfg.RateLimitPush = 100000
	cfg.RateLimitPull = 100000
	srv, err := api.NewServer(cfg, store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	h := &Harness{
		t:       t,
		Store:   store,
		Server:  ts,
		Clients: make(map[string]*SimulatedClient, numClients),
	}
	t.Cleanup(h.Close)

	for i := 0; i < numClients; i++ {
		name := fmt.Sprintf("client-%c", 'A'+i)
		h.Clients[name] = h.newClient(name)
	}
	return h
}

func (h *Harness) newClient(name string) *SimulatedClient {
	h.t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		h.t.Fatalf("open %s db: %v", name, err)
	}
	database, err := db.Wrap(conn)
	if err != nil {
		h.t.Fatalf("wrap %s db: %v", name, err)
	}

	c := &SimulatedClient{
		DeviceID: "dev-" + strings.TrimPrefix(name, "client-"),
		DB:       database,
		Network:  netstatus.NewStatic(true),
	}
	database.SetClock(c.Now)
	c.Engine = tsync.NewEngine(tsync.Config{
		DB:      database,
		Remote:  syncclient.New(h.Server.URL, ""),
		Devices: staticDevice(c.DeviceID),
		Network: c.Network,
	})
	return c
}

// Close shuts down the server and every client database.
func (h *Harness) Close() {
	if h.Server != nil {
		h.Server.Close()
	}
	for _, c := range h.Clients {
		c.DB.Close()
	}
	if h.Store != nil {
		h.Store.Close()
	}
}

func (h *Harness) client(name string) *SimulatedClient {
	h.t.Helper()
	c, ok := h.Clients[name]
	if !ok {
		h.t.Fatalf("unknown client %q", name)
	}
	return c
}

// Create inserts a record on a client and returns its id.
func (h *Harness) Create(name string, t models.Table, fields map[string]any) string {
	h.t.Helper()
	c := h.client(name)
	rec, err := c.DB.CreateRecord(context.Background(), t, fields, c.DeviceID)
	if err != nil {
		h.t.Fatalf("%s create %s: %v", name, t, err)
	}
	return rec.ID
}

// Update merges fields into a record on a client.
func (h *Harness) Update(name string, t models.Table, id string, fields map[string]any) {
	h.t.Helper()
	c := h.client(name)
	if _, err := c.DB.UpdateRecord(context.Background(), t, id, fields, c.DeviceID); err != nil {
		h.t.Fatalf("%s update %s/%s: %v", name, t, id, err)
	}
}

// Delete tombstones a record on a client.
func (h *Harness) Delete(name string, t models.Table, id string) {
	h.t.Helper()
	if err := h.client(name).DB.DeleteRecord(context.Background(), t, id); err != nil {
		h.t.Fatalf("%s delete %s/%s: %v", name, t, id, err)
	}
}

// Sync runs one incremental sync and fails the test if it does not succeed.
func (h *Harness) Sync(name string) tsync.Outcome {
	h.t.Helper()
	out := h.client(name).Engine.Sync(context.Background())
	if !out.Success {
		h.t.Fatalf("%s sync failed: %s (%v)", name, out.Message, out.Err)
	}
	return out
}

// SyncAll syncs every client in name order, twice, so each one sees the
// others' pushes.
func (h *Harness) SyncAll() {
	h.t.Helper()
	names := h.names()
	for round := 0; round < 2; round++ {
		for _, name := range names {
			h.Sync(name)
		}
	}
}

func (h *Harness) names() []string {
	names := make([]string, 0, len(h.Clients))
	for name := range h.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Record returns a client's copy of a record, or nil when it does not exist.
func (h *Harness) Record(name string, t models.Table, id string) *models.Record {
	h.t.Helper()
	rec, err := h.client(name).DB.GetRecord(context.Background(), t, id)
	if err != nil {
		return nil
	}
	return rec
}

// Count returns the number of live records in a client table.
func (h *Harness) Count(name string, t models.Table) int {
	h.t.Helper()
	recs, err := h.client(name).DB.ListRecords(context.Background(), t)
	if err != nil {
		h.t.Fatalf("%s list %s: %v", name, t, err)
	}
	return len(recs)
}

// dumpTable renders the live rows of a table in a stable, device-neutral form.
func (h *Harness) dumpTable(name string, t models.Table) []string {
	h.t.Helper()
	recs, err := h.client(name).DB.ListRecords(context.Background(), t)
	if err != nil {
		h.t.Fatalf("%s list %s: %v", name, t, err)
	}
	rows := make([]string, 0, len(recs))
	for _, r := range recs {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			h.t.Fatalf("marshal %s/%s: %v", t, r.ID, err)
		}
		rows = append(rows, fmt.Sprintf("%s updated=%d %s", r.ID, r.UpdatedAt, fields))
	}
	sort.Strings(rows)
	return rows
}

// AssertConverged fails the test unless every client holds the same live
// rows in every replicated table.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	names := h.names()
	if len(names) < 2 {
		return
	}
	for _, t := range models.SyncTables {
		ref := h.dumpTable(names[0], t)
		for _, other := range names[1:] {
			got := h.dumpTable(other, t)
			if diff := diffRows(ref, got); diff != "" {
				h.t.Errorf("%s diverged between %s and %s:\n%s", t, names[0], other, diff)
			}
		}
	}
}

func diffRows(a, b []string) string {
	inA := make(map[string]bool, len(a))
	for _, r := range a {
		inA[r] = true
	}
	inB := make(map[string]bool, len(b))
	for _, r := range b {
		inB[r] = true
	}
	var sb strings.Builder
	for _, r := range a {
		if !inB[r] {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	for _, r := range b {
		if !inA[r] {
			fmt.Fprintf(&sb, "  + %s\n", r)
		}
	}
	return sb.String()
}
