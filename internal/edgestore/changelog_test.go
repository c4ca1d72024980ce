package edgestore

import (
	"context"
	"encoding/json"
	"testing"
)

func TestChangeLog_AppendAndMarkSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.AppendChange(ctx, &ChangeLogEntry{
		Entity:    "guards",
		RecordID:  "g-1",
		Operation: "create",
		After:     json.RawMessage(`{"name":"A"}`),
		Actor:     "local",
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq == 0 {
		t.Fatal("sequence not assigned")
	}

	entries, err := store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("unsynced = %d, want 1", len(entries))
	}
	if entries[0].Synced {
		t.Error("fresh entry marked synced")
	}

	if err := store.MarkChangesSynced(ctx, []int64{seq}); err != nil {
		t.Fatal(err)
	}
	entries, err = store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("unsynced = %d after mark, want 0", len(entries))
	}
}

func TestChangeLog_MarkRecordSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, op := range []string{"create", "update"} {
		if _, err := store.AppendChange(ctx, &ChangeLogEntry{
			Entity:    "guards",
			RecordID:  "g-1",
			Operation: op,
			Actor:     "local",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.AppendChange(ctx, &ChangeLogEntry{
		Entity:    "guards",
		RecordID:  "g-2",
		Operation: "create",
		Actor:     "local",
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.MarkRecordSynced(ctx, "guards", "g-1"); err != nil {
		t.Fatal(err)
	}

	entries, err := store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RecordID != "g-2" {
		t.Errorf("unsynced = %+v, want only g-2", entries)
	}
}

func TestChangeLog_OrderedOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.AppendChange(ctx, &ChangeLogEntry{
			Entity:    "users",
			RecordID:  id,
			Operation: "create",
			Actor:     "local",
		}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Errorf("entries out of order: %d after %d", entries[i].Sequence, entries[i-1].Sequence)
		}
	}
}
