// Package scheduler runs the sync engine automatically: once shortly after
// start, then on a fixed interval, and after connectivity comes back.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/tandem/internal/netstatus"
	tsync "github.com/marcus/tandem/internal/sync"
)

// Defaults for Config fields left at zero.
const (
	DefaultInitialDelay = 3 * time.Second
	DefaultInterval     = 5 * time.Minute
	DefaultDebounce     = 2 * time.Second
)

// Syncer is the part of the engine the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) tsync.Outcome
	IsSyncing() bool
	LastSyncedAt(ctx context.Context) time.Time
}

// Config tunes a Scheduler.
type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Debounce     time.Duration

	// Monitor, when set, triggers a debounced sync on every reconnect.
	Monitor netstatus.Monitor
	Logger  *slog.Logger

	// OnOutcome is called from the scheduler goroutine after every sync it runs.
	OnOutcome func(tsync.Outcome)
}

// Status is a snapshot of the scheduler and engine.
type Status struct {
	IsSyncing       bool
	LastSyncedAt    time.Time
	AutoSyncEnabled bool
}

// Scheduler owns one goroutine that runs every scheduled sync synchronously,
// so scheduled syncs never overlap each other.
type Scheduler struct {
	syncer Syncer
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	unsubscribe func()
	trigger     chan struct{}
	netSignal   chan struct{}
	connected   bool
}

// New returns a stopped Scheduler.
func New(syncer Syncer, cfg Config) *Scheduler {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{syncer: syncer, cfg: cfg, logger: logger}
}

// Start begins automatic syncing. Calling Start while started is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.trigger = make(chan struct{}, 1)
	s.netSignal = make(chan struct{}, 1)

	trigger, netSignal := s.trigger, s.netSignal
	if s.cfg.Monitor != nil {
		s.unsubscribe = s.cfg.Monitor.Subscribe(func(connected bool) {
			s.mu.Lock()
			s.connected = connected
			s.mu.Unlock()
			select {
			case netSignal <- struct{}{}:
			default:
			}
		})
	}

	go s.loop(ctx, trigger, netSignal)
	s.logger.Info("autosync: started", "interval", s.cfg.Interval, "initial_delay", s.cfg.InitialDelay)
}

// Stop halts automatic syncing. A sync already running finishes on its own.
// Calling Stop while stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	s.started = false
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.logger.Info("autosync: stopped")
}

// Trigger requests an immediate sync from the scheduler goroutine, without
// debounce. Requests made while one is pending collapse into one. Returns
// false when the scheduler is not running.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Status reports sync activity and whether auto-sync is on.
func (s *Scheduler) Status() Status {
	return Status{
		IsSyncing:       s.syncer.IsSyncing(),
		LastSyncedAt:    s.syncer.LastSyncedAt(context.Background()),
		AutoSyncEnabled: s.Running(),
	}
}

func (s *Scheduler) loop(ctx context.Context, trigger, netSignal <-chan struct{}) {
	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce, debounceC = nil, nil
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			s.run(ctx, "initial")
		case <-ticker.C:
			s.run(ctx, "interval")
		case <-trigger:
			s.run(ctx, "manual")
		case <-netSignal:
			s.mu.Lock()
			connected := s.connected
			s.mu.Unlock()

			stopDebounce()
			if connected {
				debounce = time.NewTimer(s.cfg.Debounce)
				debounceC = debounce.C
			}
		case <-debounceC:
			debounce, debounceC = nil, nil
			s.run(ctx, "reconnect")
		}
	}
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	// Stop must not cancel a sync that already started
	out := s.syncer.Sync(context.WithoutCancel(ctx))
	s.logger.Debug("autosync: ran", "reason", reason, "success", out.Success, "kind", out.Kind)
	if s.cfg.OnOutcome != nil {
		s.cfg.OnOutcome(out)
	}
}
