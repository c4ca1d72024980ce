package edgestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// GetRecord returns a mirrored record, soft-deleted ones included.
func (s *Store) GetRecord(ctx context.Context, entity, id string) (*outsync.Record, error) {
	return getRecord(ctx, s.db, entity, id)
}

func getRecord(ctx context.Context, q dbtx, entity, id string) (*outsync.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT entity, id, geo_id, version, payload, updated_at, deleted_at
		FROM edge_records
		WHERE entity = ? AND id = ?
	`, entity, id)

	rec, err := scanEdgeRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// ApplyRemote applies one pulled record using last-write-wins by version: the
// incoming record is accepted only if its version is strictly greater than
// the locally held one. Returns whether the record was applied. Idempotent.
func (s *Store) ApplyRemote(ctx context.Context, rec outsync.Record) (bool, error) {
	existing, err := s.GetRecord(ctx, rec.Entity, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil && existing.Version >= rec.Version {
		return false, nil
	}

	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = formatTime(*rec.DeletedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edge_records (entity, id, geo_id, version, payload, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			geo_id = excluded.geo_id,
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, rec.Entity, rec.ID, rec.GeoID, rec.Version, string(payload),
		formatTime(rec.UpdatedAt), deletedAt)
	if err != nil {
		return false, fmt.Errorf("apply remote record: %w", err)
	}
	return true, nil
}

// ReplaceEntity replaces the complete local record set for one entity type
// with the full-sync result. Running it twice with the same input produces
// the same local state.
func (s *Store) ReplaceEntity(ctx context.Context, entity string, records []outsync.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edge_records WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("clear entity records: %w", err)
	}

	for _, rec := range records {
		payload := rec.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		var deletedAt any
		if rec.DeletedAt != nil {
			deletedAt = formatTime(*rec.DeletedAt)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edge_records (entity, id, geo_id, version, payload, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, entity, rec.ID, rec.GeoID, rec.Version, string(payload),
			formatTime(rec.UpdatedAt), deletedAt); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// MutateLocal applies a local domain mutation to the mirror, bumping the
// per-record version counter, and returns the stored record. This is the
// write path that feeds the change log and the outbound queue; callers that
// need all three writes atomic use RecordMutation instead.
func (s *Store) MutateLocal(ctx context.Context, operation, entity, id, geoID string, payload json.RawMessage) (*outsync.Record, error) {
	return mutateLocal(ctx, s.db, operation, entity, id, geoID, payload)
}

func mutateLocal(ctx context.Context, q dbtx, operation, entity, id, geoID string, payload json.RawMessage) (*outsync.Record, error) {
	existing, err := getRecord(ctx, q, entity, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	version := int64(1)
	if existing != nil {
		version = existing.Version + 1
	}

	rec := outsync.Record{
		Entity:    entity,
		ID:        id,
		GeoID:     geoID,
		Version:   version,
		Payload:   payload,
		UpdatedAt: now,
	}
	if operation == outsync.OperationDelete {
		rec.DeletedAt = &now
		rec.Payload = json.RawMessage("{}")
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}

	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = formatTime(*rec.DeletedAt)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO edge_records (entity, id, geo_id, version, payload, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			geo_id = excluded.geo_id,
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, entity, id, geoID, version, string(rec.Payload), formatTime(now), deletedAt)
	if err != nil {
		return nil, fmt.Errorf("mutate local record: %w", err)
	}
	return &rec, nil
}

func scanEdgeRecord(scanner interface{ Scan(...any) error }) (*outsync.Record, error) {
	var rec outsync.Record
	var payload string
	var updatedAt string
	var deletedAt sql.NullString

	err := scanner.Scan(&rec.Entity, &rec.ID, &rec.GeoID, &rec.Version,
		&payload, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	rec.Payload = json.RawMessage(payload)
	rec.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		rec.DeletedAt = &t
	}
	return &rec, nil
}
