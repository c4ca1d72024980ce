package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/outpost-sync/outpost/internal/edgestore"
	outsync "github.com/outpost-sync/outpost/internal/sync"
	"github.com/outpost-sync/outpost/internal/uplink"
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

// scriptedProber returns queued responses in order, repeating the last one.
type scriptedProber struct {
	script []func() (*outsync.HeartbeatResponse, error)
	calls  int
}

func (p *scriptedProber) Heartbeat(ctx context.Context, req outsync.HeartbeatRequest) (*outsync.HeartbeatResponse, error) {
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	return p.script[i]()
}

func ok() (*outsync.HeartbeatResponse, error) {
	return &outsync.HeartbeatResponse{Success: true, ServerTime: time.Now().UTC()}, nil
}

func down() (*outsync.HeartbeatResponse, error) {
	return nil, &uplink.TransientError{Err: errors.New("connection refused")}
}

func TestMonitor_SuccessfulProbeLogged(t *testing.T) {
	store := newTestStore(t)
	prober := &scriptedProber{script: []func() (*outsync.HeartbeatResponse, error){ok}}

	m := New(store, prober, time.Minute, time.Second, Events{})
	m.Probe(context.Background())

	records, err := store.RecentHeartbeats(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("heartbeat log = %d rows, want 1", len(records))
	}
	if records[0].Outcome != edgestore.HeartbeatSuccess {
		t.Errorf("outcome = %q, want success", records[0].Outcome)
	}
}

func TestMonitor_OfflineAfterThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prober := &scriptedProber{script: []func() (*outsync.HeartbeatResponse, error){down}}

	var wentOffline bool
	m := New(store, prober, time.Minute, time.Second, Events{
		OnOffline: func() { wentOffline = true },
	})

	// One failure is noise.
	m.Probe(ctx)
	mode, err := store.Mode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mode != edgestore.ModeOnline {
		t.Errorf("mode after one failure = %q, want online", mode)
	}
	if wentOffline {
		t.Error("OnOffline fired after a single failure")
	}

	// Two in a row is an outage.
	m.Probe(ctx)
	mode, err = store.Mode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mode != edgestore.ModeOffline {
		t.Errorf("mode = %q, want offline", mode)
	}
	if !wentOffline {
		t.Error("OnOffline not fired")
	}

	since, err := store.OfflineSince(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if since.IsZero() {
		t.Error("offline_since not stamped")
	}
}

func TestMonitor_RecoveryGoesBackOnline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	prober := &scriptedProber{script: []func() (*outsync.HeartbeatResponse, error){down, down, ok}}

	var recovered bool
	m := New(store, prober, time.Minute, time.Second, Events{
		OnOnline: func(offlineSince time.Time) {
			recovered = true
			if offlineSince.IsZero() {
				t.Error("offlineSince zero in OnOnline")
			}
		},
	})

	m.Probe(ctx)
	m.Probe(ctx)
	m.Probe(ctx)

	mode, err := store.Mode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mode != edgestore.ModeOnline {
		t.Errorf("mode = %q, want online after recovery", mode)
	}
	if !recovered {
		t.Error("OnOnline not fired")
	}
}

func TestMonitor_FullSyncFlagSurfaced(t *testing.T) {
	store := newTestStore(t)
	prober := &scriptedProber{script: []func() (*outsync.HeartbeatResponse, error){
		func() (*outsync.HeartbeatResponse, error) {
			return &outsync.HeartbeatResponse{Success: true, NeedsFullSync: true}, nil
		},
	}}

	var flagged bool
	m := New(store, prober, time.Minute, time.Second, Events{
		OnFullSyncNeeded: func() { flagged = true },
	})
	m.Probe(context.Background())

	if !flagged {
		t.Error("OnFullSyncNeeded not fired")
	}
}

func TestMonitor_CommandsDelivered(t *testing.T) {
	store := newTestStore(t)
	prober := &scriptedProber{script: []func() (*outsync.HeartbeatResponse, error){
		func() (*outsync.HeartbeatResponse, error) {
			return &outsync.HeartbeatResponse{
				Success: true,
				Commands: []outsync.RemoteCommand{
					{ID: "cmd-1", Kind: outsync.CommandFullSync},
				},
			}, nil
		},
	}}

	var got []outsync.RemoteCommand
	m := New(store, prober, time.Minute, time.Second, Events{
		OnCommand: func(c outsync.RemoteCommand) { got = append(got, c) },
	})
	m.Probe(context.Background())

	if len(got) != 1 || got[0].ID != "cmd-1" {
		t.Errorf("commands = %+v", got)
	}
}

func TestMonitor_TerminalRejectionDoesNotGoOffline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// The central is reachable but refusing us; that is not an outage.
	rejected := func() (*outsync.HeartbeatResponse, error) {
		return nil, &uplink.AuthError{Message: "invalid signature"}
	}
	prober := &scriptedProber{script: []func() (*outsync.HeartbeatResponse, error){rejected}}

	m := New(store, prober, time.Minute, time.Second, Events{})
	for i := 0; i < 5; i++ {
		m.Probe(ctx)
	}

	mode, err := store.Mode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mode != edgestore.ModeOnline {
		t.Errorf("mode = %q, want online", mode)
	}

	records, err := store.RecentHeartbeats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 5 {
		t.Errorf("heartbeat log = %d rows, want 5", len(records))
	}
	for _, rec := range records {
		if rec.Outcome != edgestore.HeartbeatFailed {
			t.Errorf("outcome = %q, want failed", rec.Outcome)
		}
	}
}
