package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/outpost-sync/outpost/internal/edgestore"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// pull fetches central state and applies it to the local mirror. Returns
// the number of records received and the number actually applied.
func (o *Orchestrator) pull(ctx context.Context, full bool) (pulled, applied int, err error) {
	if full {
		resp, err := o.client.FullSync(ctx, o.entities)
		if err != nil {
			return 0, 0, fmt.Errorf("Pull failed: %w", err)
		}
		o.setState(StateApplying)
		pulled, applied, err = o.applyFull(ctx, resp.Entities)
		if err != nil {
			return pulled, applied, fmt.Errorf("Apply failed: %w", err)
		}
		return pulled, applied, nil
	}

	since, err := o.store.Checkpoint(ctx, edgestore.StateLastDeltaSync)
	if err != nil {
		return 0, 0, fmt.Errorf("Pull failed: %w", err)
	}
	resp, err := o.client.Changes(ctx, since, o.entities)
	if err != nil {
		return 0, 0, fmt.Errorf("Pull failed: %w", err)
	}
	o.setState(StateApplying)
	pulled, applied = o.applyDelta(ctx, resp.Changes)
	return pulled, applied, nil
}

// applyFull replaces the local record set for each requested entity type.
// Entity types present in the response but not configured locally are
// ignored, keeping the applier forward-compatible with types introduced
// only on the central side.
func (o *Orchestrator) applyFull(ctx context.Context, entities map[string][]outsync.Record) (pulled, applied int, err error) {
	for _, entity := range o.entities {
		records, ok := entities[entity]
		if !ok {
			continue
		}
		pulled += len(records)
		if err := o.store.ReplaceEntity(ctx, entity, records); err != nil {
			return pulled, applied, fmt.Errorf("replace %s: %w", entity, err)
		}
		applied += len(records)
	}
	return pulled, applied, nil
}

// applyDelta applies pulled records one by one with last-write-wins by
// version. A record that fails to apply is logged and skipped so one bad
// record cannot block the rest of the batch.
func (o *Orchestrator) applyDelta(ctx context.Context, changes map[string][]outsync.Record) (pulled, applied int) {
	known := make(map[string]bool, len(o.entities))
	for _, e := range o.entities {
		known[e] = true
	}

	for entity, records := range changes {
		if !known[entity] {
			slog.Debug("ignoring unknown entity type",
				"component", "orchestrator",
				"entity", entity,
				"records", len(records),
			)
			continue
		}
		pulled += len(records)
		for _, rec := range records {
			ok, err := o.store.ApplyRemote(ctx, rec)
			if err != nil {
				slog.Warn("apply pulled record failed",
					"component", "orchestrator",
					"entity", entity,
					"record_id", rec.ID,
					"error", err,
				)
				continue
			}
			if ok {
				applied++
			}
		}
	}
	return pulled, applied
}

// pushChanges batch-pushes unsynced change-log entries grouped by entity
// type. Accepted records are stamped synced and their pending queue items
// cleared; rejected records stay queued for the drain stage's per-item
// retry path. Transport failures abort the stage.
func (o *Orchestrator) pushChanges(ctx context.Context) (int, error) {
	entries, err := o.store.UnsyncedChanges(ctx, o.batchSize)
	if err != nil {
		return 0, fmt.Errorf("Push failed: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// One push per record: later entries supersede earlier ones for the
	// same record, and the mirror already holds the latest state.
	type recordKey struct{ entity, id string }
	seen := make(map[recordKey]bool)
	byEntity := make(map[string][]outsync.PushChange)
	var order []string

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		key := recordKey{e.Entity, e.RecordID}
		if seen[key] {
			continue
		}
		seen[key] = true

		rec, err := o.store.GetRecord(ctx, e.Entity, e.RecordID)
		if errors.Is(err, edgestore.ErrNotFound) {
			slog.Warn("change log entry without record",
				"component", "orchestrator",
				"entity", e.Entity,
				"record_id", e.RecordID,
			)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("Push failed: %w", err)
		}

		operation := e.Operation
		if rec.DeletedAt != nil {
			operation = outsync.OperationDelete
		}
		if _, ok := byEntity[e.Entity]; !ok {
			order = append(order, e.Entity)
		}
		byEntity[e.Entity] = append(byEntity[e.Entity], outsync.PushChange{
			Operation: operation,
			ID:        e.RecordID,
			Version:   rec.Version,
			Payload:   rec.Payload,
		})
	}

	var pushed int
	for _, entity := range order {
		changes := byEntity[entity]
		resp, err := o.client.Push(ctx, outsync.PushRequest{
			Entity:  entity,
			GeoID:   o.geoID,
			Changes: changes,
		})
		if err != nil {
			return pushed, fmt.Errorf("Push failed: %w", err)
		}

		rejected := make(map[string]string, len(resp.Results.Errors))
		for _, e := range resp.Results.Errors {
			rejected[e.ID] = e.Error
		}

		for _, ch := range changes {
			if msg, ok := rejected[ch.ID]; ok {
				slog.Warn("push change rejected",
					"component", "orchestrator",
					"entity", entity,
					"record_id", ch.ID,
					"error", msg,
				)
				continue
			}
			if err := o.store.MarkRecordSynced(ctx, entity, ch.ID); err != nil {
				slog.Warn("mark record synced failed",
					"component", "orchestrator",
					"entity", entity,
					"record_id", ch.ID,
					"error", err,
				)
			}
			if _, err := o.store.CompleteForRecord(ctx, entity, ch.ID); err != nil {
				slog.Warn("clear queue items failed",
					"component", "orchestrator",
					"entity", entity,
					"record_id", ch.ID,
					"error", err,
				)
			}
			pushed++
		}
	}
	return pushed, nil
}
