package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outpost-sync/outpost/internal/edgestore"
	outsync "github.com/outpost-sync/outpost/internal/sync"
	"github.com/outpost-sync/outpost/internal/uplink"
)

// Pusher submits one queued change to the central node. Satisfied by
// *uplink.Client.
type Pusher interface {
	PushItem(ctx context.Context, req outsync.ItemRequest) (*outsync.ItemResponse, error)
}

// Archiver receives exhausted items after they land in the dead-letter
// table. Failures are logged, never fatal.
type Archiver interface {
	Archive(ctx context.Context, entry *edgestore.DeadLetterEntry) error
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Pushed     int64
	Failed     int64
	DeadLetter int64
}

// Drainer pushes queued items to the central node with a bounded worker
// pool. Failed attempts are rescheduled with capped exponential backoff;
// items that exhaust their attempt budget move to the dead-letter table.
type Drainer struct {
	store       *edgestore.Store
	pusher      Pusher
	archiver    Archiver
	workers     int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewDrainer creates a Drainer. archiver may be nil.
func NewDrainer(store *edgestore.Store, pusher Pusher, archiver Archiver, workers int, backoffBase, backoffCap time.Duration) *Drainer {
	if workers < 1 {
		workers = 1
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 5 * time.Minute
	}
	return &Drainer{
		store:       store,
		pusher:      pusher,
		archiver:    archiver,
		workers:     workers,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Recover returns crashed in-flight items to pending. Called once on
// startup before the first drain.
func (d *Drainer) Recover(ctx context.Context) error {
	n, err := d.store.ReleaseInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("recovered orphaned queue items",
			"component", "queue",
			"action", "recover",
			"count", n,
		)
	}
	return nil
}

// Drain pushes every due pending item until the queue is empty or the
// context ends. Workers stop claiming new items when the uplink looks
// unhealthy so one outage does not burn the whole queue's attempt budget.
func (d *Drainer) Drain(ctx context.Context) (DrainStats, error) {
	start := time.Now()

	var stats DrainStats
	var offline atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil && !offline.Load() {
				item, err := d.store.ClaimNext(ctx)
				if errors.Is(err, edgestore.ErrNotFound) {
					return
				}
				if err != nil {
					slog.Error("claim queue item failed", "component", "queue", "error", err)
					return
				}
				transient := d.process(ctx, item, &stats)
				if transient {
					offline.Store(true)
					return
				}
			}
		}()
	}
	wg.Wait()

	if stats.Pushed+stats.Failed+stats.DeadLetter > 0 {
		slog.Info("queue drained",
			"component", "queue",
			"action", "drain",
			"pushed", stats.Pushed,
			"failed", stats.Failed,
			"dead_letter", stats.DeadLetter,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if offline.Load() {
		return stats, uplink.ErrUnreachable
	}
	return stats, ctx.Err()
}

// process pushes one claimed item and settles its queue row. Returns true
// when the failure was transient, signaling the drain pass to stop.
func (d *Drainer) process(ctx context.Context, item *edgestore.QueueItem, stats *DrainStats) bool {
	rec, err := decodeEnvelope(item)
	if err != nil {
		// Undecodable payloads can never push; dead-letter immediately.
		d.deadLetter(ctx, item, err.Error(), stats)
		return false
	}

	req := outsync.ItemRequest{
		Operation: item.Operation,
		Entity:    item.Entity,
		ID:        item.RecordID,
		Version:   rec.Version,
		Data:      rec.Payload,
	}

	_, err = d.pusher.PushItem(ctx, req)
	if err == nil {
		if err := d.store.CompleteItem(ctx, item.ID); err != nil {
			slog.Error("complete queue item failed", "component", "queue", "item_id", item.ID, "error", err)
		}
		if err := d.store.MarkRecordSynced(ctx, item.Entity, item.RecordID); err != nil {
			slog.Warn("mark change synced failed", "component", "queue", "item_id", item.ID, "error", err)
		}
		atomic.AddInt64(&stats.Pushed, 1)
		return false
	}

	if uplink.IsTransient(err) {
		// An outage is not a rejection: the item goes back to pending
		// without burning its attempt budget and retries once
		// connectivity returns.
		delay := d.backoff(item.Attempts)
		if relErr := d.store.ReleaseItem(ctx, item.ID, err.Error(), time.Now().UTC().Add(delay)); relErr != nil {
			slog.Error("release queue item failed", "component", "queue", "item_id", item.ID, "error", relErr)
		}
		atomic.AddInt64(&stats.Failed, 1)
		slog.Warn("push attempt failed",
			"component", "queue",
			"item_id", item.ID,
			"entity", item.Entity,
			"record_id", item.RecordID,
			"transient", true,
			"retry_in", delay.String(),
			"error", err,
		)
		return true
	}

	if item.Attempts+1 >= item.MaxAttempts {
		d.deadLetter(ctx, item, err.Error(), stats)
		return false
	}

	delay := d.backoff(item.Attempts)
	if err := d.store.FailItem(ctx, item.ID, err.Error(), time.Now().UTC().Add(delay)); err != nil {
		slog.Error("reschedule queue item failed", "component", "queue", "item_id", item.ID, "error", err)
		return false
	}
	atomic.AddInt64(&stats.Failed, 1)
	slog.Warn("push attempt failed",
		"component", "queue",
		"item_id", item.ID,
		"entity", item.Entity,
		"record_id", item.RecordID,
		"attempt", item.Attempts+1,
		"max_attempts", item.MaxAttempts,
		"retry_in", delay.String(),
		"error", err,
	)
	return false
}

func (d *Drainer) deadLetter(ctx context.Context, item *edgestore.QueueItem, lastError string, stats *DrainStats) {
	entry, err := d.store.DeadLetterItem(ctx, item.ID, lastError)
	if err != nil {
		slog.Error("dead-letter queue item failed", "component", "queue", "item_id", item.ID, "error", err)
		return
	}
	atomic.AddInt64(&stats.DeadLetter, 1)
	slog.Error("queue item exhausted",
		"component", "queue",
		"action", "dead_letter",
		"item_id", item.ID,
		"entity", item.Entity,
		"record_id", item.RecordID,
		"attempts", entry.Attempts,
		"error", lastError,
	)

	if d.archiver == nil {
		return
	}
	if err := d.archiver.Archive(ctx, entry); err != nil {
		slog.Warn("archive dead letter failed", "component", "queue", "entry_id", entry.ID, "error", err)
	}
}

// backoff returns the delay before the next attempt: base doubled per
// completed attempt, capped.
func (d *Drainer) backoff(attempts int) time.Duration {
	delay := d.backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= d.backoffCap {
			return d.backoffCap
		}
	}
	if delay > d.backoffCap {
		return d.backoffCap
	}
	return delay
}
