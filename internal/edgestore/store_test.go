package edgestore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Open(t *testing.T) {
	store := newTestStore(t)

	// Migrations must leave every table queryable.
	tables := []string{"sync_queue", "change_log", "heartbeat_log", "dead_letter", "sync_state", "edge_records"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Errorf("table %s not usable: %v", table, err)
		}
	}
}
