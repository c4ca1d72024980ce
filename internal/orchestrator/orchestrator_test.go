package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/outpost-sync/outpost/internal/edgestore"
	"github.com/outpost-sync/outpost/internal/queue"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

func newTestStore(t *testing.T) *edgestore.Store {
	t.Helper()

	store, err := edgestore.Open(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeClient struct {
	fullResp    *outsync.FullSyncResponse
	changesResp *outsync.ChangesResponse
	pushResp    *outsync.PushResponse
	err         error

	fullCalls    int
	changesCalls int
	pushCalls    int
	lastSince    time.Time
	lastPush     outsync.PushRequest
}

func (c *fakeClient) FullSync(ctx context.Context, entities []string) (*outsync.FullSyncResponse, error) {
	c.fullCalls++
	if c.err != nil {
		return nil, c.err
	}
	return c.fullResp, nil
}

func (c *fakeClient) Changes(ctx context.Context, since time.Time, entities []string) (*outsync.ChangesResponse, error) {
	c.changesCalls++
	c.lastSince = since
	if c.err != nil {
		return nil, c.err
	}
	return c.changesResp, nil
}

func (c *fakeClient) Push(ctx context.Context, req outsync.PushRequest) (*outsync.PushResponse, error) {
	c.pushCalls++
	c.lastPush = req
	if c.err != nil {
		return nil, c.err
	}
	if c.pushResp != nil {
		return c.pushResp, nil
	}
	return &outsync.PushResponse{Success: true, Results: outsync.PushResult{Accepted: len(req.Changes)}}, nil
}

type fakeDrainer struct {
	stats queue.DrainStats
	err   error
	calls int
}

func (d *fakeDrainer) Drain(ctx context.Context) (queue.DrainStats, error) {
	d.calls++
	return d.stats, d.err
}

func emptyChanges() *outsync.ChangesResponse {
	return &outsync.ChangesResponse{Success: true, Changes: map[string][]outsync.Record{}}
}

// seedSynced marks the store as having completed an initial full sync so a
// cycle takes the delta path.
func seedSynced(t *testing.T, store *edgestore.Store) {
	t.Helper()
	if err := store.SetCheckpoint(context.Background(), edgestore.StateLastFullSync, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
}

func record(entity, id string, version int64) outsync.Record {
	return outsync.Record{
		Entity:    entity,
		ID:        id,
		GeoID:     "geo-1",
		Version:   version,
		Payload:   json.RawMessage(`{"x":1}`),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestOrchestrator_FirstCycleIsFullSync(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{
		fullResp: &outsync.FullSyncResponse{
			Success: true,
			Entities: map[string][]outsync.Record{
				"guards": {record("guards", "g-1", 1)},
				"users":  {},
			},
		},
	}
	drainer := &fakeDrainer{}
	o := New(store, client, drainer, []string{"guards", "users"}, "geo-1", time.Minute)

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if client.fullCalls != 1 || client.changesCalls != 0 {
		t.Errorf("full=%d changes=%d, want full sync on first cycle", client.fullCalls, client.changesCalls)
	}
	if _, err := store.GetRecord(context.Background(), "guards", "g-1"); err != nil {
		t.Errorf("pulled record not applied: %v", err)
	}

	// Both checkpoints advance on a clean full cycle.
	lastFull, err := store.Checkpoint(context.Background(), edgestore.StateLastFullSync)
	if err != nil {
		t.Fatal(err)
	}
	if lastFull.IsZero() {
		t.Error("last_full_sync not advanced")
	}
	if drainer.calls != 1 {
		t.Errorf("drain calls = %d, want 1", drainer.calls)
	}
}

func TestOrchestrator_DeltaCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, store)

	since := time.Now().UTC().Add(-30 * time.Minute)
	if err := store.SetCheckpoint(ctx, edgestore.StateLastDeltaSync, since); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{
		changesResp: &outsync.ChangesResponse{
			Success: true,
			Changes: map[string][]outsync.Record{
				"guards": {record("guards", "g-1", 2)},
				// Entity types only the central knows are ignored.
				"sectors": {record("sectors", "s-1", 1)},
			},
		},
	}
	o := New(store, client, &fakeDrainer{}, []string{"guards", "users"}, "geo-1", time.Minute)

	if err := o.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if !client.lastSince.Equal(since) {
		t.Errorf("since = %v, want %v", client.lastSince, since)
	}
	if _, err := store.GetRecord(ctx, "guards", "g-1"); err != nil {
		t.Errorf("delta record not applied: %v", err)
	}
	if _, err := store.GetRecord(ctx, "sectors", "s-1"); !errors.Is(err, edgestore.ErrNotFound) {
		t.Errorf("unknown entity applied: %v", err)
	}

	stats := o.Stats()
	if stats.SyncVersion != 1 {
		t.Errorf("sync version = %d, want 1", stats.SyncVersion)
	}
	if stats.CyclesCompleted != 1 {
		t.Errorf("cycles completed = %d", stats.CyclesCompleted)
	}
}

func TestOrchestrator_RequestFullSyncForcesFullPath(t *testing.T) {
	store := newTestStore(t)
	seedSynced(t, store)

	client := &fakeClient{
		fullResp: &outsync.FullSyncResponse{Success: true, Entities: map[string][]outsync.Record{"guards": {}}},
	}
	o := New(store, client, &fakeDrainer{}, []string{"guards"}, "geo-1", time.Minute)
	o.RequestFullSync()

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.fullCalls != 1 {
		t.Errorf("full calls = %d, want 1", client.fullCalls)
	}

	// The flag is one-shot.
	client.changesResp = emptyChanges()
	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.changesCalls != 1 {
		t.Errorf("changes calls = %d, want delta after flag consumed", client.changesCalls)
	}
}

func TestOrchestrator_SuppressedWhenOffline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SetMode(ctx, edgestore.ModeOffline); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{}
	o := New(store, client, &fakeDrainer{}, []string{"guards"}, "geo-1", time.Minute)

	if err := o.RunCycle(ctx); !errors.Is(err, ErrSuppressed) {
		t.Errorf("err = %v, want ErrSuppressed", err)
	}
	if client.fullCalls+client.changesCalls != 0 {
		t.Error("suppressed cycle still pulled")
	}
}

func TestOrchestrator_RefusesConcurrentCycles(t *testing.T) {
	store := newTestStore(t)
	o := New(store, &fakeClient{}, &fakeDrainer{}, []string{"guards"}, "geo-1", time.Minute)

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	if err := o.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("err = %v, want ErrCycleInProgress", err)
	}
}

func TestOrchestrator_PullFailureLeavesCheckpoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, store)

	since := time.Now().UTC().Add(-30 * time.Minute)
	if err := store.SetCheckpoint(ctx, edgestore.StateLastDeltaSync, since); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{err: errors.New("connection refused")}
	o := New(store, client, &fakeDrainer{}, []string{"guards"}, "geo-1", time.Minute)

	err := o.RunCycle(ctx)
	if err == nil {
		t.Fatal("cycle succeeded against failing client")
	}
	if !strings.HasPrefix(err.Error(), "Pull failed:") {
		t.Errorf("error = %q, want stage-qualified", err)
	}

	// The next cycle retries from the last known-good point.
	cp, cpErr := store.Checkpoint(ctx, edgestore.StateLastDeltaSync)
	if cpErr != nil {
		t.Fatal(cpErr)
	}
	if !cp.Equal(since) {
		t.Errorf("checkpoint moved to %v on failure", cp)
	}

	stats := o.Stats()
	if stats.CyclesFailed != 1 {
		t.Errorf("cycles failed = %d", stats.CyclesFailed)
	}
	if !strings.HasPrefix(stats.LastError, "Pull failed:") {
		t.Errorf("lastError = %q", stats.LastError)
	}
}

func TestOrchestrator_ShutdownMidCycleIsNotAFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, store)

	client := &fakeClient{changesResp: emptyChanges()}
	drainer := &fakeDrainer{err: context.Canceled}
	o := New(store, client, drainer, []string{"guards"}, "geo-1", time.Minute)

	err := o.RunCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	stats := o.Stats()
	if stats.CyclesFailed != 0 {
		t.Errorf("cycles failed = %d, want 0 on shutdown", stats.CyclesFailed)
	}
	if stats.LastError != "" {
		t.Errorf("lastError = %q, want empty on shutdown", stats.LastError)
	}

	// Checkpoints stay put; the next start resumes the cycle.
	cp, err := store.Checkpoint(ctx, edgestore.StateLastDeltaSync)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.IsZero() {
		t.Errorf("checkpoint advanced to %v on interrupted cycle", cp)
	}
}

func TestOrchestrator_PushStageBatchesUnsyncedChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, store)

	// Two local mutations on the same record plus one on another: the push
	// stage sends one change per record with the latest state.
	q := queue.New(store, "geo-1", nil, 100, 5)
	if _, err := q.RecordMutation(ctx, outsync.OperationCreate, "guards", "g-1", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.RecordMutation(ctx, outsync.OperationUpdate, "guards", "g-1", json.RawMessage(`{"n":2}`), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.RecordMutation(ctx, outsync.OperationCreate, "users", "u-1", json.RawMessage(`{}`), ""); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{changesResp: emptyChanges()}
	o := New(store, client, &fakeDrainer{}, []string{"guards", "users"}, "geo-1", time.Minute)

	if err := o.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if client.pushCalls != 2 {
		t.Errorf("push calls = %d, want one per entity", client.pushCalls)
	}

	// Everything accepted: change log stamped, queue cleared.
	entries, err := store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("unsynced = %d, want 0", len(entries))
	}
	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("pending = %d, want 0", count)
	}
}

func TestOrchestrator_RejectedPushStaysQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSynced(t, store)

	q := queue.New(store, "geo-1", nil, 100, 5)
	if _, err := q.RecordMutation(ctx, outsync.OperationCreate, "guards", "g-1", json.RawMessage(`{}`), ""); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{
		changesResp: emptyChanges(),
		pushResp: &outsync.PushResponse{
			Success: true,
			Results: outsync.PushResult{
				Rejected: 1,
				Errors:   []outsync.PushItemError{{ID: "g-1", Error: "payload is not valid JSON"}},
			},
		},
	}
	o := New(store, client, &fakeDrainer{}, []string{"guards"}, "geo-1", time.Minute)

	if err := o.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	// Rejection is per-item: the cycle completes but the change stays
	// unsynced for the queue's retry path.
	entries, err := store.UnsyncedChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("unsynced = %d, want 1", len(entries))
	}
	count, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pending = %d, want 1", count)
	}
}
