// Package tandem is the embedding API: a local store kept in sync with a
// remote backend, plus automatic scheduling and diagnostics.
package tandem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/deviceid"
	"github.com/marcus/tandem/internal/diagnostics"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/netstatus"
	"github.com/marcus/tandem/internal/scheduler"
	tsync "github.com/marcus/tandem/internal/sync"
	"github.com/marcus/tandem/internal/syncclient"
)

// ErrNoRemote is returned by Open when neither a Remote nor a ServerURL is given.
var ErrNoRemote = errors.New("no remote configured")

// Re-exported so embedders need not import internal packages.
type (
	Outcome = tsync.Outcome
	Kind    = tsync.Kind
	Record  = models.Record
	Table   = models.Table
	Counts  = models.Counts

	DuplicateReport = diagnostics.DuplicateReport
	RepairResult    = diagnostics.RepairResult
	IntegrityReport = diagnostics.IntegrityReport
)

// Options configures Open. Exactly one of DataDir or DB must be set.
type Options struct {
	DataDir string
	// MustExist makes Open fail when DataDir holds no store instead of creating one.
	MustExist bool
	// DB is an open SQLite handle. Missing tables are created on it; Close
	// does not close it.
	DB *sql.DB

	ServerURL string
	APIKey    string
	Timeout   time.Duration

	// Remote overrides the HTTP client built from ServerURL.
	Remote tsync.Remote
	// Network overrides the /healthz prober built from ServerURL.
	Network netstatus.Monitor

	Migration json.RawMessage
	Resolver  tsync.ConflictResolver

	AutoSync  scheduler.Config
	OnOutcome func(Outcome)

	Logger *slog.Logger
}

// Status is what SyncStatus reports.
type Status struct {
	IsSyncing       bool      `json:"is_syncing"`
	LastSyncedAt    time.Time `json:"last_synced_at"`
	AutoSyncEnabled bool      `json:"auto_sync_enabled"`
	State           string    `json:"state"`
}

// Client wires the local store, the engine, the scheduler and diagnostics.
type Client struct {
	db      *db.DB
	ownsDB  bool
	devices *deviceid.Provider
	network netstatus.Monitor
	prober  *netstatus.Prober
	engine  *tsync.Engine
	diag    *diagnostics.Service
	logger  *slog.Logger

	schedCfg scheduler.Config

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

// Open opens (creating if needed) the local store and wires a Client.
func Open(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	remote := opts.Remote
	if remote == nil {
		if opts.ServerURL == "" {
			return nil, ErrNoRemote
		}
		hc := syncclient.New(opts.ServerURL, opts.APIKey)
		if opts.Timeout > 0 {
			hc.HTTP.Timeout = opts.Timeout
		}
		remote = hc
	}

	c := &Client{logger: logger}
	switch {
	case opts.DB != nil && opts.DataDir != "":
		return nil, errors.New("data dir and db are mutually exclusive")
	case opts.DB != nil:
		database, err := db.Wrap(opts.DB)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		c.db = database
	case opts.DataDir != "":
		open := db.Initialize
		if opts.MustExist {
			open = db.Open
		}
		database, err := open(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		c.db = database
		c.ownsDB = true
	default:
		return nil, errors.New("data dir or db is required")
	}

	c.network = opts.Network
	if c.network == nil {
		if opts.ServerURL != "" {
			c.prober = netstatus.NewProber(opts.ServerURL, 0, logger)
			c.network = c.prober
		} else {
			c.network = netstatus.NewStatic(true)
		}
	}

	c.devices = deviceid.New(c.db)
	c.engine = tsync.NewEngine(tsync.Config{
		DB:        c.db,
		Remote:    remote,
		Devices:   c.devices,
		Network:   c.network,
		Resolver:  opts.Resolver,
		Logger:    logger,
		Migration: opts.Migration,
	})
	c.diag = diagnostics.New(c.db, c.devices, logger)

	c.schedCfg = opts.AutoSync
	c.schedCfg.Monitor = c.network
	if c.schedCfg.Logger == nil {
		c.schedCfg.Logger = logger
	}
	if opts.OnOutcome != nil {
		c.schedCfg.OnOutcome = opts.OnOutcome
	}
	return c, nil
}

// Close stops auto sync and closes the store if Open created it.
func (c *Client) Close() error {
	c.StopAutoSync()
	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}


// DeviceID returns this installation's id.
func (c *Client) DeviceID(ctx context.Context) (string, error) {
	return c.devices.DeviceID(ctx)
}

// PerformSync runs one incremental cycle.
func (c *Client) PerformSync(ctx context.Context) Outcome {
	return c.engine.Sync(ctx)
}

// ForceFullSync resets the cursor and pulls the entire remote dataset.
func (c *Client) ForceFullSync(ctx context.Context) Outcome {
	return c.engine.ForceFullSync(ctx)
}

// StartAutoSync starts the scheduler. Calling it while running is a no-op.
func (c *Client) StartAutoSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != nil && c.sched.Running() {
		return
	}
	if c.prober != nil {
		c.prober.Start(context.Background())
	}
	c.sched = scheduler.New(c.engine, c.schedCfg)
	c.sched.Start()
}

// StopAutoSync stops the scheduler without cancelling an in-flight sync.
func (c *Client) StopAutoSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched == nil {
		return
	}
	c.sched.Stop()
	c.sched = nil
	if c.prober != nil {
		c.prober.Stop()
	}
}

// TriggerSync asks a running scheduler for a sync. Returns false when auto
// sync is off or a request is already queued.
func (c *Client) TriggerSync() bool {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return false
	}
	return sched.Trigger()
}

// SyncStatus reports engine and scheduler state.
func (c *Client) SyncStatus(ctx context.Context) Status {
	c.mu.Lock()
	running := c.sched != nil && c.sched.Running()
	c.mu.Unlock()
	return Status{
		IsSyncing:       c.engine.IsSyncing(),
		LastSyncedAt:    c.engine.LastSyncedAt(ctx),
		AutoSyncEnabled: running,
		State:           c.engine.State(),
	}
}

// PendingChangesCount returns the number of local rows not yet pushed.
func (c *Client) PendingChangesCount(ctx context.Context) (int64, error) {
	counts, err := c.diag.UnsyncedCounts(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, v := range counts {
		n += v
	}
	return n, nil
}

// DiagnosticReport renders the human readable diagnostics report.
func (c *Client) DiagnosticReport(ctx context.Context) (string, error) {
	return c.diag.Report(ctx)
}

// VerifyIntegrity checks the local schema and cursor for problems.
func (c *Client) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	return c.diag.VerifyIntegrity(ctx)
}

// RepairDuplicateWatermarks keeps the authoritative cursor row and removes the rest.
func (c *Client) RepairDuplicateWatermarks(ctx context.Context) (RepairResult, error) {
	return c.diag.RepairDuplicateWatermarks(ctx)
}

// Create inserts a record stamped with this device's id.
func (c *Client) Create(ctx context.Context, t Table, fields map[string]any) (*Record, error) {
	id, err := c.devices.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	return c.db.CreateRecord(ctx, t, fields, id)
}

// Update merges fields into a record. A nil value removes the key.
func (c *Client) Update(ctx context.Context, t Table, recordID string, fields map[string]any) (*Record, error) {
	id, err := c.devices.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	return c.db.UpdateRecord(ctx, t, recordID, fields, id)
}

// Delete soft-deletes a record.
func (c *Client) Delete(ctx context.Context, t Table, recordID string) error {
	return c.db.DeleteRecord(ctx, t, recordID)
}

// List returns the live records of a table.
func (c *Client) List(ctx context.Context, t Table) ([]Record, error) {
	return c.db.ListRecords(ctx, t)
}
