// Package orchestrator drives the edge's sync cycle: pull central changes,
// apply them locally, push queued local changes, drain the queue, advance
// checkpoints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outpost-sync/outpost/internal/edgestore"
	"github.com/outpost-sync/outpost/internal/queue"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// Cycle states.
const (
	StateIdle     = "idle"
	StatePulling  = "pulling"
	StateApplying = "applying-pulled"
	StatePushing  = "pushing"
	StateDraining = "draining-queue"
)

// ErrCycleInProgress is returned when a cycle is refused because one is
// already running. Cycles are mutually exclusive, never queued.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ErrSuppressed is returned when the operating mode gates new cycles.
var ErrSuppressed = errors.New("sync cycle suppressed by operating mode")

// Client is the uplink surface the orchestrator needs.
type Client interface {
	FullSync(ctx context.Context, entities []string) (*outsync.FullSyncResponse, error)
	Changes(ctx context.Context, since time.Time, entities []string) (*outsync.ChangesResponse, error)
	Push(ctx context.Context, req outsync.PushRequest) (*outsync.PushResponse, error)
}

// Drainer runs one pass over the outbound queue.
type Drainer interface {
	Drain(ctx context.Context) (queue.DrainStats, error)
}

// Stats is a snapshot of the orchestrator's progress, surfaced for
// operator visibility.
type Stats struct {
	State           string    `json:"state"`
	LastStarted     time.Time `json:"lastStarted"`
	LastCompleted   time.Time `json:"lastCompleted"`
	LastError       string    `json:"lastError,omitempty"`
	CyclesCompleted int64     `json:"cyclesCompleted"`
	CyclesFailed    int64     `json:"cyclesFailed"`
	LastPulled      int       `json:"lastPulled"`
	LastApplied     int       `json:"lastApplied"`
	LastPushed      int       `json:"lastPushed"`
	LastDeadLetter  int64     `json:"lastDeadLetter"`
	SyncVersion     int64     `json:"syncVersion"`
}

// Orchestrator coordinates sync cycles for one edge instance.
type Orchestrator struct {
	store    *edgestore.Store
	client   Client
	drainer  Drainer
	entities []string
	geoID    string
	interval time.Duration

	// batchSize bounds how many change-log entries one push stage covers.
	batchSize int

	fullSyncRequested atomic.Bool

	mu      sync.Mutex
	running bool
	stats   Stats
}

// New creates an Orchestrator.
func New(store *edgestore.Store, client Client, drainer Drainer, entities []string, geoID string, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Orchestrator{
		store:     store,
		client:    client,
		drainer:   drainer,
		entities:  entities,
		geoID:     geoID,
		interval:  interval,
		batchSize: 100,
		stats:     Stats{State: StateIdle},
	}
}

// RequestFullSync flags the next cycle to pull the complete record set
// instead of a delta. Called when the central sets needs_full_sync or
// delivers a full_sync command.
func (o *Orchestrator) RequestFullSync() {
	o.fullSyncRequested.Store(true)
}

// Stats returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Run executes cycles on the configured interval until the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("sync orchestrator started",
		"component", "orchestrator",
		"interval", o.interval.String(),
		"entities", o.entities,
	)

	// Failures are logged inside RunCycle; the loop only keeps cadence.
	_ = o.RunCycle(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync orchestrator stopped", "component", "orchestrator")
			return
		case <-ticker.C:
			_ = o.RunCycle(ctx)
		}
	}
}

// RunCycle executes one sync cycle. Refused when a cycle is already running
// or the edge is offline or in maintenance. Checkpoints advance only on
// clean completion, so a failed cycle retries from the last known-good
// point.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrCycleInProgress
	}
	o.running = true
	o.stats.State = StatePulling
	o.stats.LastStarted = time.Now().UTC()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.stats.State = StateIdle
		o.mu.Unlock()
	}()

	mode, err := o.store.Mode(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("read operating mode: %w", err))
	}
	if mode != edgestore.ModeOnline {
		slog.Debug("sync cycle suppressed", "component", "orchestrator", "mode", mode)
		return ErrSuppressed
	}

	full := o.fullSyncRequested.Swap(false)
	if !full {
		lastFull, err := o.store.Checkpoint(ctx, edgestore.StateLastFullSync)
		if err != nil {
			return o.fail(fmt.Errorf("read checkpoint: %w", err))
		}
		// A node that has never full-synced has nothing to delta against.
		full = lastFull.IsZero()
	}

	start := time.Now()
	slog.Info("sync cycle started",
		"component", "orchestrator",
		"action", "started",
		"full", full,
	)

	pullStart := time.Now().UTC()
	pulled, applied, err := o.pull(ctx, full)
	if err != nil {
		return o.fail(err)
	}

	o.setState(StatePushing)
	pushed, err := o.pushChanges(ctx)
	if err != nil {
		return o.fail(err)
	}

	o.setState(StateDraining)
	drainStats, err := o.drainer.Drain(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("Drain failed: %w", err))
	}

	if err := o.store.SetCheckpoint(ctx, edgestore.StateLastDeltaSync, pullStart); err != nil {
		return o.fail(fmt.Errorf("advance checkpoint: %w", err))
	}
	if full {
		if err := o.store.SetCheckpoint(ctx, edgestore.StateLastFullSync, pullStart); err != nil {
			return o.fail(fmt.Errorf("advance checkpoint: %w", err))
		}
	}
	version, err := o.store.IncrementSyncVersion(ctx)
	if err != nil {
		return o.fail(fmt.Errorf("advance sync version: %w", err))
	}

	o.mu.Lock()
	o.stats.LastCompleted = time.Now().UTC()
	o.stats.LastError = ""
	o.stats.CyclesCompleted++
	o.stats.LastPulled = pulled
	o.stats.LastApplied = applied
	o.stats.LastPushed = pushed + int(drainStats.Pushed)
	o.stats.LastDeadLetter = drainStats.DeadLetter
	o.stats.SyncVersion = version
	o.mu.Unlock()

	slog.Info("sync cycle completed",
		"component", "orchestrator",
		"action", "completed",
		"full", full,
		"pulled", pulled,
		"applied", applied,
		"pushed", pushed+int(drainStats.Pushed),
		"dead_letter", drainStats.DeadLetter,
		"sync_version", version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (o *Orchestrator) setState(state string) {
	o.mu.Lock()
	o.stats.State = state
	o.mu.Unlock()
}

// fail records a stage-qualified error and leaves checkpoints untouched.
// Shutdown mid-cycle is a clean stop, not a failure: the next start resumes
// from the last checkpoints.
func (o *Orchestrator) fail(err error) error {
	if errors.Is(err, context.Canceled) {
		slog.Info("sync cycle interrupted",
			"component", "orchestrator",
			"action", "interrupted",
		)
		return err
	}
	o.mu.Lock()
	o.stats.LastError = err.Error()
	o.stats.CyclesFailed++
	o.mu.Unlock()
	slog.Error("sync cycle failed",
		"component", "orchestrator",
		"action", "failed",
		"error", err,
	)
	return err
}
