package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/netstatus"
	"github.com/marcus/tandem/internal/watermark"
)

// Engine states.
const (
	StateIdle      = "idle"
	StateSyncing   = "syncing"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

const (
	eventBegin   = "begin"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventSettle  = "settle"
)

// DeviceIdentity resolves the id of this installation.
type DeviceIdentity interface {
	DeviceID(ctx context.Context) (string, error)
}

// Config wires an Engine.
type Config struct {
	DB       *db.DB
	Remote   Remote
	Devices  DeviceIdentity
	Network  netstatus.Checker // nil means always connected
	Resolver ConflictResolver  // nil means LastWriteWins
	Logger   *slog.Logger

	// Migration is forwarded verbatim with every pull.
	Migration json.RawMessage

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Engine runs sync cycles: pull, apply, push, then commit the cursor.
// At most one cycle runs at a time; the state machine is the guard.
type Engine struct {
	db        *db.DB
	cursor    *watermark.Store
	puller    *Puller
	pusher    *Pusher
	devices   DeviceIdentity
	network   netstatus.Checker
	resolver  ConflictResolver
	logger    *slog.Logger
	migration json.RawMessage
	now       func() time.Time

	machine *fsm.FSM

	mu         gosync.Mutex
	lastSynced time.Time
}

// NewEngine builds an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		db:        cfg.DB,
		cursor:    watermark.New(cfg.DB),
		devices:   cfg.Devices,
		network:   cfg.Network,
		resolver:  cfg.Resolver,
		logger:    cfg.Logger,
		migration: cfg.Migration,
		now:       cfg.Now,
	}
	if e.network == nil {
		e.network = netstatus.Always
	}
	if e.resolver == nil {
		e.resolver = LastWriteWins{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.puller = NewPuller(cfg.Remote, e.logger)
	e.pusher = NewPusher(cfg.Remote, e.logger)

	e.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBegin, Src: []string{StateIdle}, Dst: StateSyncing},
			{Name: eventSucceed, Src: []string{StateSyncing}, Dst: StateSucceeded},
			{Name: eventFail, Src: []string{StateSyncing}, Dst: StateFailed},
			{Name: eventSettle, Src: []string{StateSucceeded, StateFailed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.logger.Debug("sync: state", "from", ev.Src, "to", ev.Dst)
			},
		},
	)
	return e
}

// State returns the current state name.
func (e *Engine) State() string {
	return e.machine.Current()
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool {
	return !e.machine.Is(StateIdle)
}

// LastSyncedAt returns when the last successful cycle finished, falling back
// to sync history for cycles run by earlier processes. Zero when never synced.
func (e *Engine) LastSyncedAt(ctx context.Context) time.Time {
	e.mu.Lock()
	last := e.lastSynced
	e.mu.Unlock()
	if !last.IsZero() {
		return last
	}

	run, err := e.db.LastSuccessfulSync(ctx)
	if err != nil {
		e.logger.Warn("sync: read last successful sync", "err", err)
		return time.Time{}
	}
	if run == nil {
		return time.Time{}
	}
	return run.FinishedAt
}

// Sync runs one incremental cycle.
func (e *Engine) Sync(ctx context.Context) Outcome {
	return e.run(ctx, false)
}

// ForceFullSync resets the cursor and runs a cycle that pulls the entire
// remote dataset. The reset happens after the guard is taken, so a concurrent
// cycle can never observe the zeroed cursor.
func (e *Engine) ForceFullSync(ctx context.Context) Outcome {
	return e.run(ctx, true)
}

func (e *Engine) run(ctx context.Context, full bool) (out Outcome) {
	out = Outcome{StartedAt: e.now(), Full: full}

	if err := e.machine.Event(context.Background(), eventBegin); err != nil {
		out.classify(ErrSyncInProgress)
		out.FinishedAt = e.now()
		e.logger.Info("sync: skipped", "reason", out.Message)
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync: panic during cycle", "panic", r)
			out.Cursor = models.Cursor{}
			out.classify(fmt.Errorf("panic: %v", r))
		}
		out.FinishedAt = e.now()

		done := eventFail
		if out.Success {
			done = eventSucceed
			e.mu.Lock()
			e.lastSynced = out.FinishedAt
			e.mu.Unlock()
		}
		if err := e.machine.Event(context.Background(), done); err != nil {
			e.logger.Error("sync: state transition", "event", done, "err", err)
		}

		e.recordHistory(out)

		if err := e.machine.Event(context.Background(), eventSettle); err != nil {
			e.logger.Error("sync: state transition", "event", eventSettle, "err", err)
		}
	}()

	err := e.cycle(ctx, &out, full)
	out.classify(err)
	if err != nil {
		e.logger.Warn("sync: failed", "kind", out.Kind, "err", err,
			"pulled", out.Pulled.Total(), "pushed", out.Pushed.Total())
	} else {
		e.logger.Info("sync: complete", "full", full,
			"pulled", out.Pulled.String(), "pushed", out.Pushed.String(),
			"conflicts", out.Conflicts, "cursor", out.Cursor.LastPulledAt)
	}
	return out
}

// cycle runs the guarded body of a sync. Any error leaves the cursor where it was.
func (e *Engine) cycle(ctx context.Context, out *Outcome, full bool) error {
	if !e.network.Connected(ctx) {
		return ErrNoConnection
	}

	if full {
		if err := e.cursor.Reset(ctx); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
	}

	deviceID, err := e.devices.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}

	// Pull
	var lastPulledAt int64
	cur, err := e.cursor.Get(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if cur != nil {
		lastPulledAt = cur.LastPulledAt
	}
	schemaVersion, err := e.db.GetSchemaVersion()
	if err != nil {
		return err
	}

	pulled, err := e.puller.Pull(ctx, PullCursor{
		LastPulledAt:  lastPulledAt,
		SchemaVersion: schemaVersion,
		Migration:     e.migration,
	}, deviceID)
	if err != nil {
		return err
	}
	changes := e.scrub(pulled.Changes)

	var applied ApplyResult
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = ApplyRemoteChanges(ctx, tx, changes, e.resolver, e.now())
		if err != nil {
			return err
		}
		return RecordConflicts(tx, applied.Conflicts)
	})
	if err != nil {
		return fmt.Errorf("apply remote changes: %w", err)
	}
	out.Pulled = applied.Applied
	out.Conflicts = len(applied.Conflicts)

	// Push
	var (
		pending models.ChangeSet
		snap    Snapshot
	)
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pending, snap, err = PendingChanges(ctx, tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("collect pending changes: %w", err)
	}

	// The push is stamped with the pull just applied, not the cursor it started from.
	pushFrom := lastPulledAt
	if pulled.Timestamp > 0 {
		pushFrom = pulled.Timestamp
	}
	pushed, err := e.pusher.Push(ctx, pending, pushFrom, deviceID)
	if err != nil {
		return err
	}
	out.Pushed = pushed

	// Commit
	commitAt := pulled.Timestamp
	if commitAt <= 0 {
		commitAt = e.now().UnixMilli()
	}
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		stale, err := MarkPushed(ctx, tx, snap)
		if err != nil {
			return err
		}
		if stale > 0 {
			e.logger.Info("sync: rows changed during push, left pending", "count", stale)
		}
		return e.cursor.SetTx(ctx, tx, commitAt, commitAt)
	})
	if err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}
	out.Cursor = models.Cursor{LastPulledAt: commitAt, LastPushedAt: commitAt}
	return nil
}

// scrub drops local-only tables from a pulled change-set.
func (e *Engine) scrub(cs models.ChangeSet) models.ChangeSet {
	for table, tc := range cs {
		if table.LocalOnly() {
			e.logger.Warn("sync: remote sent local-only table, ignoring", "table", table, "entries", tc.Len())
		}
	}
	return cs.WithoutLocalOnly()
}

func (e *Engine) recordHistory(out Outcome) {
	run := db.SyncRun{
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
		Kind:       string(out.Kind),
		Success:    out.Success,
		Full:       out.Full,
		Message:    out.Message,
		Pulled:     out.Pulled,
		Pushed:     out.Pushed,
		Conflicts:  out.Conflicts,
		Cursor:     out.Cursor.LastPulledAt,
	}
	if _, err := e.db.RecordSyncRun(context.Background(), run); err != nil {
		e.logger.Warn("sync: record history", "err", err)
	}
}
