// Package monitor probes the central node on a fixed interval and keeps the
// edge's operating mode in step with what the probes observe.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/outpost-sync/outpost/internal/edgestore"
	outsync "github.com/outpost-sync/outpost/internal/sync"
	"github.com/outpost-sync/outpost/internal/uplink"
)

// Prober issues one heartbeat against the central node. Satisfied by
// *uplink.Client.
type Prober interface {
	Heartbeat(ctx context.Context, req outsync.HeartbeatRequest) (*outsync.HeartbeatResponse, error)
}

// Events are the monitor's outward signals. Any callback may be nil.
type Events struct {
	// OnOnline fires when connectivity is regained after an offline stretch.
	OnOnline func(offlineSince time.Time)
	// OnOffline fires once when the failure threshold is crossed.
	OnOffline func()
	// OnFullSyncNeeded fires when the central flags this instance for a
	// full resynchronization.
	OnFullSyncNeeded func()
	// OnCommand fires for each remote command delivered via heartbeat.
	OnCommand func(cmd outsync.RemoteCommand)
}

// Monitor runs the heartbeat loop. One probe at a time; every outcome is
// appended to the heartbeat log.
type Monitor struct {
	store    *edgestore.Store
	prober   Prober
	events   Events
	interval time.Duration
	timeout  time.Duration

	// consecutive failed probes; offline is declared at failureThreshold.
	failures  int
	threshold int

	// MetricsFunc supplies the metrics snapshot sent with each probe.
	MetricsFunc func() map[string]float64
}

// New creates a Monitor with a failure threshold of 2: one lost probe is
// noise, two in a row is an outage.
func New(store *edgestore.Store, prober Prober, interval, timeout time.Duration, events Events) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{
		store:     store,
		prober:    prober,
		events:    events,
		interval:  interval,
		timeout:   timeout,
		threshold: 2,
	}
}

// Run probes immediately, then on every tick until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "monitor",
		"interval", m.interval.String(),
		"timeout", m.timeout.String(),
	)

	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped", "component", "monitor")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe issues one heartbeat and settles the operating mode.
func (m *Monitor) Probe(ctx context.Context) {
	queueSize, err := m.store.CountPending(ctx)
	if err != nil {
		slog.Error("count pending failed", "component", "monitor", "error", err)
	}

	metrics := map[string]float64{}
	if m.MetricsFunc != nil {
		metrics = m.MetricsFunc()
	}

	req := outsync.HeartbeatRequest{
		Metrics:   metrics,
		QueueSize: queueSize,
		Timestamp: time.Now().UTC(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	resp, err := m.prober.Heartbeat(probeCtx, req)
	latency := time.Since(start)

	if err != nil {
		m.recordFailure(ctx, err, latency, metrics)
		return
	}
	m.recordSuccess(ctx, resp, latency, metrics)
}

func (m *Monitor) recordSuccess(ctx context.Context, resp *outsync.HeartbeatResponse, latency time.Duration, metrics map[string]float64) {
	m.failures = 0

	response, _ := json.Marshal(resp)
	metricsJSON, _ := json.Marshal(metrics)
	if err := m.store.AppendHeartbeat(ctx, &edgestore.HeartbeatRecord{
		Outcome:   edgestore.HeartbeatSuccess,
		LatencyMS: latency.Milliseconds(),
		Response:  response,
		Metrics:   metricsJSON,
	}); err != nil {
		slog.Error("append heartbeat failed", "component", "monitor", "error", err)
	}

	mode, err := m.store.Mode(ctx)
	if err != nil {
		slog.Error("read mode failed", "component", "monitor", "error", err)
		mode = edgestore.ModeOnline
	}
	if mode == edgestore.ModeOffline {
		offlineSince, _ := m.store.OfflineSince(ctx)
		if err := m.store.SetMode(ctx, edgestore.ModeOnline); err != nil {
			slog.Error("set mode failed", "component", "monitor", "error", err)
		}
		slog.Info("connectivity regained",
			"component", "monitor",
			"action", "online",
			"offline_since", offlineSince,
			"latency_ms", latency.Milliseconds(),
		)
		if m.events.OnOnline != nil {
			m.events.OnOnline(offlineSince)
		}
	}

	if resp.NeedsFullSync && m.events.OnFullSyncNeeded != nil {
		m.events.OnFullSyncNeeded()
	}
	for _, cmd := range resp.Commands {
		slog.Info("remote command received",
			"component", "monitor",
			"command_id", cmd.ID,
			"kind", cmd.Kind,
		)
		if m.events.OnCommand != nil {
			m.events.OnCommand(cmd)
		}
	}
}

func (m *Monitor) recordFailure(ctx context.Context, probeErr error, latency time.Duration, metrics map[string]float64) {
	outcome := edgestore.HeartbeatFailed
	if errors.Is(probeErr, context.DeadlineExceeded) {
		outcome = edgestore.HeartbeatTimeout
	}

	metricsJSON, _ := json.Marshal(metrics)
	if err := m.store.AppendHeartbeat(ctx, &edgestore.HeartbeatRecord{
		Outcome:   outcome,
		LatencyMS: latency.Milliseconds(),
		Error:     probeErr.Error(),
		Metrics:   metricsJSON,
	}); err != nil {
		slog.Error("append heartbeat failed", "component", "monitor", "error", err)
	}

	// Terminal rejections mean the central is reachable but refusing us;
	// that is not an outage, so the mode stays put.
	if !uplink.IsTransient(probeErr) && !errors.Is(probeErr, context.DeadlineExceeded) {
		slog.Warn("heartbeat rejected",
			"component", "monitor",
			"outcome", outcome,
			"error", probeErr,
		)
		m.failures = 0
		return
	}

	m.failures++
	slog.Warn("heartbeat failed",
		"component", "monitor",
		"outcome", outcome,
		"consecutive", m.failures,
		"error", probeErr,
	)
	if m.failures < m.threshold {
		return
	}

	mode, err := m.store.Mode(ctx)
	if err != nil {
		slog.Error("read mode failed", "component", "monitor", "error", err)
		return
	}
	if mode == edgestore.ModeOffline {
		return
	}
	if err := m.store.SetMode(ctx, edgestore.ModeOffline); err != nil {
		slog.Error("set mode failed", "component", "monitor", "error", err)
		return
	}
	slog.Error("entering offline mode",
		"component", "monitor",
		"action", "offline",
		"consecutive_failures", m.failures,
	)
	if m.events.OnOffline != nil {
		m.events.OnOffline()
	}
}
