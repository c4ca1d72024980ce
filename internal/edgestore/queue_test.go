package edgestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestQueue_EnqueueAndClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", json.RawMessage(`{"name":"A"}`), 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != QueueStatusPending {
		t.Errorf("status = %q, want %q", item.Status, QueueStatusPending)
	}

	claimed, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.ID != item.ID {
		t.Errorf("claimed %q, want %q", claimed.ID, item.ID)
	}
	if claimed.Status != QueueStatusInFlight {
		t.Errorf("status = %q, want %q", claimed.Status, QueueStatusInFlight)
	}

	// The claimed item must not be claimable again.
	if _, err := store.ClaimNext(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("second claim = %v, want ErrNotFound", err)
	}
}

func TestQueue_ClaimOrderByPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "update", "groups", "low", nil, 50, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Enqueue(ctx, "update", "users", "urgent", nil, 1, 5); err != nil {
		t.Fatal(err)
	}

	claimed, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.RecordID != "urgent" {
		t.Errorf("claimed %q first, want lower priority value to drain first", claimed.RecordID)
	}
}

func TestQueue_FailReschedules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", nil, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	future := time.Now().UTC().Add(1 * time.Hour)
	if err := store.FailItem(ctx, item.ID, "connection refused", future); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != QueueStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError != "connection refused" {
		t.Errorf("lastError = %q", got.LastError)
	}

	// Not due yet, so nothing claims.
	if _, err := store.ClaimNext(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim before next_attempt_at = %v, want ErrNotFound", err)
	}
}

func TestQueue_Complete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", nil, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteItem(ctx, item.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetQueueItem(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed item still present: %v", err)
	}
}

func TestQueue_ExhaustionMovesToDeadLetter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	maxAttempts := 3
	item, err := store.Enqueue(ctx, "create", "guards", "g-1", json.RawMessage(`{"v":1}`), 10, maxAttempts)
	if err != nil {
		t.Fatal(err)
	}

	// Fail up to the ceiling, then exhaust.
	past := time.Now().UTC().Add(-1 * time.Second)
	for i := 0; i < maxAttempts-1; i++ {
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
		if err := store.FailItem(ctx, item.ID, "boom", past); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	entry, err := store.DeadLetterItem(ctx, item.ID, "boom")
	if err != nil {
		t.Fatal(err)
	}

	// Present in the dead-letter store, absent from the active queue.
	if entry.Attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", entry.Attempts, maxAttempts)
	}
	if _, err := store.GetQueueItem(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("exhausted item still in queue: %v", err)
	}
	entries, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].QueueID != item.ID {
		t.Fatalf("dead letter entries = %+v", entries)
	}
}

func TestQueue_CountPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "create", "guards", "g-1", nil, 10, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Enqueue(ctx, "create", "guards", "g-2", nil, 10, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	// In-flight items still count toward the queue-size hint.
	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestQueue_ReleaseInFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", nil, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	released, err := store.ReleaseInFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}

	got, err := store.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != QueueStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

func TestQueue_ReleaseItemKeepsAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", nil, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	future := time.Now().UTC().Add(1 * time.Hour)
	if err := store.ReleaseItem(ctx, item.ID, "connection refused", future); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != QueueStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	// Unlike FailItem, the attempt budget is untouched.
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if got.LastError != "connection refused" {
		t.Errorf("lastError = %q", got.LastError)
	}
}

func TestQueue_CompleteForRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "create", "guards", "g-1", nil, 10, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Enqueue(ctx, "update", "guards", "g-1", nil, 10, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Enqueue(ctx, "update", "guards", "g-2", nil, 10, 5); err != nil {
		t.Fatal(err)
	}

	n, err := store.CompleteForRecord(ctx, "guards", "g-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}

	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("remaining = %d, want 1", count)
	}
}

func TestDeadLetter_Requeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", json.RawMessage(`{"v":1}`), 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	entry, err := store.DeadLetterItem(ctx, item.ID, "boom")
	if err != nil {
		t.Fatal(err)
	}

	requeued, err := store.RequeueDeadLetter(ctx, entry.ID, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != QueueStatusPending {
		t.Errorf("status = %q, want pending", requeued.Status)
	}
	if requeued.Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", requeued.Attempts)
	}

	entries, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dead letter entries = %d, want 0 after requeue", len(entries))
	}
}

func TestDeadLetter_RequeueFailureLeavesEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := store.Enqueue(ctx, "create", "guards", "g-1", json.RawMessage(`{"v":1}`), 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	entry, err := store.DeadLetterItem(ctx, item.ID, "boom")
	if err != nil {
		t.Fatal(err)
	}

	// Sabotage the queue so the requeue insert fails mid-transaction.
	if _, err := store.db.ExecContext(ctx, `DROP TABLE sync_queue`); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RequeueDeadLetter(ctx, entry.ID, 10, 3); err == nil {
		t.Fatal("requeue succeeded without a queue")
	}

	// The entry is still dead-lettered, not lost.
	if _, err := store.GetDeadLetter(ctx, entry.ID); err != nil {
		t.Errorf("dead letter gone after failed requeue: %v", err)
	}
}
