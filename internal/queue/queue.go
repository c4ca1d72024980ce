// Package queue implements the edge's outbound sync queue: the enqueue path
// called by domain mutation handlers and the bounded worker pool that drains
// pending items to the central node.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/outpost-sync/outpost/internal/edgestore"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// Enqueuer is the interface domain code mutates through. Injected rather
// than wired through an ambient event bus.
type Enqueuer interface {
	RecordMutation(ctx context.Context, operation, entity, recordID string, payload json.RawMessage, actor string) (*edgestore.QueueItem, error)
}

// Queue is the enqueue-side API. Every local mutation updates the mirrored
// record, appends to the change log and enqueues one outbound item.
type Queue struct {
	store       *edgestore.Store
	geoID       string
	priorities  map[string]int
	defaultPrio int
	maxAttempts int
}

// New creates a Queue. Lower priority values drain first; entity types
// missing from priorities get defaultPriority.
func New(store *edgestore.Store, geoID string, priorities map[string]int, defaultPriority, maxAttempts int) *Queue {
	return &Queue{
		store:       store,
		geoID:       geoID,
		priorities:  priorities,
		defaultPrio: defaultPriority,
		maxAttempts: maxAttempts,
	}
}

// priorityFor returns the configured priority for an entity type.
func (q *Queue) priorityFor(entity string) int {
	if p, ok := q.priorities[entity]; ok {
		return p
	}
	return q.defaultPrio
}

// RecordMutation applies a local domain mutation: updates the mirrored
// record (bumping its version), appends a change-log entry with before/after
// snapshots, and enqueues the outbound push. The three writes commit or roll
// back together, so a mutation can never land without its change-log entry.
func (q *Queue) RecordMutation(ctx context.Context, operation, entity, recordID string, payload json.RawMessage, actor string) (*edgestore.QueueItem, error) {
	_, item, err := q.store.RecordMutation(ctx, operation, entity, recordID, q.geoID, payload, actor,
		q.priorityFor(entity), q.maxAttempts)
	if err != nil {
		return nil, err
	}

	slog.Debug("mutation enqueued",
		"component", "queue",
		"operation", operation,
		"entity", entity,
		"record_id", recordID,
		"priority", item.Priority,
	)
	return item, nil
}

// RebuildFromChangeLog re-enqueues unsynced change-log entries. Used when
// the active queue was lost or corrupted; the change log is the durable
// source of truth for what still needs pushing.
func (q *Queue) RebuildFromChangeLog(ctx context.Context, limit int) (int, error) {
	entries, err := q.store.UnsyncedChanges(ctx, limit)
	if err != nil {
		return 0, err
	}

	var rebuilt int
	for _, e := range entries {
		rec, err := q.store.GetRecord(ctx, e.Entity, e.RecordID)
		if err != nil {
			slog.Warn("skipping change log entry without record",
				"component", "queue",
				"entity", e.Entity,
				"record_id", e.RecordID,
				"error", err,
			)
			continue
		}
		envelope, err := json.Marshal(rec)
		if err != nil {
			return rebuilt, fmt.Errorf("marshal record envelope: %w", err)
		}
		if _, err := q.store.Enqueue(ctx, e.Operation, e.Entity, e.RecordID, envelope, q.priorityFor(e.Entity), q.maxAttempts); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	return rebuilt, nil
}

// decodeEnvelope recovers the record envelope from a queue item payload.
func decodeEnvelope(item *edgestore.QueueItem) (outsync.Record, error) {
	var rec outsync.Record
	if len(item.Payload) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(item.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode queue payload: %w", err)
	}
	return rec, nil
}
