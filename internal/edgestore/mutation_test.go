package edgestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRecordMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, item, err := store.RecordMutation(ctx, "create", "guards", "g-1", "geo-1",
		json.RawMessage(`{"name":"A"}`), "operator", 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if item.Priority != 10 {
		t.Errorf("priority = %d, want 10", item.Priority)
	}

	// All three writes landed.
	if _, err := store.GetRecord(ctx, "guards", "g-1"); err != nil {
		t.Errorf("mirror record missing: %v", err)
	}
	entries, err := store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Actor != "operator" {
		t.Fatalf("change log = %+v", entries)
	}
	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pending = %d, want 1", count)
	}
}

func TestRecordMutation_RollsBackTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Sabotage the change log so the append inside the transaction fails.
	if _, err := store.db.ExecContext(ctx, `DROP TABLE change_log`); err != nil {
		t.Fatal(err)
	}

	_, _, err := store.RecordMutation(ctx, "create", "guards", "g-1", "geo-1",
		json.RawMessage(`{}`), "", 10, 5)
	if err == nil {
		t.Fatal("mutation succeeded without a change log")
	}

	// The mirror write rolled back with the rest: no record exists that the
	// change log does not know about.
	if _, err := store.GetRecord(ctx, "guards", "g-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("mirror record survived the failed mutation: %v", err)
	}
	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("pending = %d, want 0", count)
	}
}
