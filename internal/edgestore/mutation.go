package edgestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// RecordMutation applies one local domain mutation atomically: the mirror
// upsert, the change-log append and the outbound enqueue commit or roll back
// together. A mutated record can therefore never exist without a change-log
// entry describing it.
//
// The queue item's payload is the full record envelope so the drainer can
// push the version counter along with the data.
func (s *Store) RecordMutation(ctx context.Context, operation, entity, id, geoID string, payload json.RawMessage, actor string, priority, maxAttempts int) (*outsync.Record, *QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var before json.RawMessage
	existing, err := getRecord(ctx, tx, entity, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	if existing != nil {
		before = existing.Payload
	}

	rec, err := mutateLocal(ctx, tx, operation, entity, id, geoID, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("mutate record: %w", err)
	}

	entry := &ChangeLogEntry{
		Entity:    entity,
		RecordID:  id,
		Operation: operation,
		Before:    before,
		After:     rec.Payload,
		Actor:     actor,
	}
	if _, err := appendChange(ctx, tx, entry); err != nil {
		return nil, nil, fmt.Errorf("append change log: %w", err)
	}

	envelope, err := json.Marshal(rec)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal record envelope: %w", err)
	}

	item, err := enqueue(ctx, tx, operation, entity, id, envelope, priority, maxAttempts)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, item, nil
}
