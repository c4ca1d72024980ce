package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpost-sync/outpost/internal/config"
	"github.com/outpost-sync/outpost/internal/deadletter"
	"github.com/outpost-sync/outpost/internal/edgestore"
	"github.com/outpost-sync/outpost/internal/monitor"
	"github.com/outpost-sync/outpost/internal/orchestrator"
	"github.com/outpost-sync/outpost/internal/queue"
	outsync "github.com/outpost-sync/outpost/internal/sync"
	"github.com/outpost-sync/outpost/internal/uplink"
)

// uplinkTimeout bounds every uplink request. Heartbeats get a tighter
// per-probe deadline from the monitor.
const uplinkTimeout = 60 * time.Second

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run the edge sync agent",
	RunE:  runEdge,
}

func runEdge(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateEdge(); err != nil {
		return err
	}

	initLogger(cfg.Log)
	slog.Info("configuration loaded", "component", "edge", "server_id", cfg.Edge.ServerID)

	store, err := edgestore.Open(cfg.Edge.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "component", "edge", "path", cfg.Edge.DatabasePath)

	client := uplink.New(cfg.Edge.CentralURL, cfg.Edge.ServerID, cfg.Edge.GeoID,
		cfg.Edge.SharedSecret, uplinkTimeout)

	if err := ensureRegistered(ctx, cfg, store, client); err != nil {
		return err
	}

	archiver, err := deadletter.NewArchiver(cfg.Edge.Archive, cfg.Edge.ServerID)
	if err != nil {
		return err
	}

	outbound := queue.New(store, cfg.Edge.GeoID, cfg.Edge.Priorities,
		config.DefaultPriority, cfg.Edge.Queue.MaxAttempts)

	drainer := queue.NewDrainer(store, client, archiver,
		cfg.Edge.Queue.Workers,
		time.Duration(cfg.Edge.Queue.BackoffBase),
		time.Duration(cfg.Edge.Queue.BackoffCap))
	if err := drainer.Recover(ctx); err != nil {
		return err
	}
	if err := recoverQueue(ctx, store, outbound); err != nil {
		return err
	}

	orch := orchestrator.New(store, client, drainer,
		cfg.Edge.Entities, cfg.Edge.GeoID, time.Duration(cfg.Edge.SyncInterval))

	events := monitor.Events{
		OnOnline: func(offlineSince time.Time) {
			// Connectivity back: catch up immediately instead of waiting
			// for the next tick.
			go func() {
				if err := orch.RunCycle(ctx); err != nil &&
					!errors.Is(err, orchestrator.ErrCycleInProgress) &&
					!errors.Is(err, orchestrator.ErrSuppressed) {
					slog.Error("catch-up cycle failed", "component", "edge", "error", err)
				}
			}()
		},
		OnFullSyncNeeded: func() {
			orch.RequestFullSync()
		},
		OnCommand: func(c outsync.RemoteCommand) {
			handleCommand(ctx, c, store, client, orch)
		},
	}

	mon := monitor.New(store, client,
		time.Duration(cfg.Edge.HeartbeatInterval),
		time.Duration(cfg.Edge.HeartbeatTimeout),
		events)
	mon.MetricsFunc = collectMetrics

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "monitor", mon.Run)
	startWorker(ctx, &wg, "orchestrator", orch.Run)

	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "edge")

	wg.Wait()

	if err := store.Close(); err != nil {
		slog.Error("store close error", "component", "edge", "error", err)
	}

	slog.Info("shutdown complete", "component", "edge")
	return nil
}

// ensureRegistered resolves the shared secret: env, then the local state
// store, then a one-time registration against the central node.
func ensureRegistered(ctx context.Context, cfg *config.Config, store *edgestore.Store, client *uplink.Client) error {
	if cfg.Edge.SharedSecret != "" {
		return nil
	}

	secret, err := store.GetState(ctx, edgestore.StateSharedSecret)
	if err == nil {
		client.SetSecret(secret)
		return nil
	}
	if !errors.Is(err, edgestore.ErrNotFound) {
		return err
	}

	token := cfg.Central.RegistrationToken
	if token == "" {
		return errors.New("no shared secret and OUTPOST_REGISTRATION_TOKEN is unset")
	}

	resp, err := client.Register(ctx, token, outsync.RegisterRequest{
		ServerID:   cfg.Edge.ServerID,
		GeoID:      cfg.Edge.GeoID,
		ServerName: cfg.Edge.ServerName,
	})
	if err != nil {
		return err
	}

	// The secret is returned exactly once; losing it means re-registering.
	if err := store.SetState(ctx, edgestore.StateInstanceID, resp.InstanceID); err != nil {
		return err
	}
	if err := store.SetState(ctx, edgestore.StateSharedSecret, resp.SharedSecret); err != nil {
		return err
	}

	slog.Info("edge registered",
		"component", "edge",
		"action", "register",
		"instance_id", resp.InstanceID,
	)
	return nil
}

// recoverQueue re-enqueues unsynced change-log entries when the active queue
// came up empty. The change log is the durable source of truth; an empty
// queue with unsynced changes means queue rows were lost.
func recoverQueue(ctx context.Context, store *edgestore.Store, outbound *queue.Queue) error {
	pending, err := store.CountPending(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	rebuilt, err := outbound.RebuildFromChangeLog(ctx, 1000)
	if err != nil {
		return err
	}
	if rebuilt > 0 {
		slog.Info("queue rebuilt from change log",
			"component", "edge",
			"action", "recover",
			"count", rebuilt,
		)
	}
	return nil
}

// handleCommand executes one remote command delivered via heartbeat.
func handleCommand(ctx context.Context, c outsync.RemoteCommand, store *edgestore.Store, client *uplink.Client, orch *orchestrator.Orchestrator) {
	switch c.Kind {
	case outsync.CommandFullSync:
		orch.RequestFullSync()

	case outsync.CommandRotateSecret:
		var payload struct {
			Secret string `json:"secret"`
		}
		if err := json.Unmarshal(c.Payload, &payload); err != nil || payload.Secret == "" {
			slog.Error("malformed rotate_secret command", "component", "edge", "command_id", c.ID)
			return
		}
		client.SetSecret(payload.Secret)
		if err := store.SetState(ctx, edgestore.StateSharedSecret, payload.Secret); err != nil {
			slog.Error("persist rotated secret failed", "component", "edge", "error", err)
			return
		}
		slog.Info("shared secret rotated", "component", "edge", "command_id", c.ID)

	default:
		slog.Warn("unknown remote command", "component", "edge", "kind", c.Kind, "command_id", c.ID)
	}
}

// collectMetrics snapshots process health for the heartbeat payload.
func collectMetrics() map[string]float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]float64{
		"goroutines":    float64(runtime.NumGoroutine()),
		"heap_alloc_mb": float64(m.HeapAlloc) / (1024 * 1024),
		"num_gc":        float64(m.NumGC),
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
