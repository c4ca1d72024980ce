package centralstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// Store provides record-level access to the central sync_records table.
// Concurrent upserts keyed by record identifier are safe; version ordering is
// enforced above the storage layer.
type Store struct {
	db *sql.DB
}

// New creates a Store over an already-migrated central database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Full returns the complete current record set for one entity type scoped to
// the given geo tag. Soft-deleted records are excluded. Idempotent.
func (s *Store) Full(ctx context.Context, entity, geoID string) ([]outsync.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, id, geo_id, version, payload, updated_at, deleted_at
		FROM sync_records
		WHERE entity = ? AND geo_id = ? AND deleted_at IS NULL
		ORDER BY id ASC
	`, entity, geoID)
	if err != nil {
		return nil, fmt.Errorf("query full sync: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ChangesSince returns records of one entity type modified after the given
// timestamp, scoped to the geo tag. Soft-deleted records are included so
// deletions propagate. Ordered by updated_at ascending so an interrupted
// client can resume from the last fully-applied timestamp.
func (s *Store) ChangesSince(ctx context.Context, entity, geoID string, since time.Time) ([]outsync.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, id, geo_id, version, payload, updated_at, deleted_at
		FROM sync_records
		WHERE entity = ? AND geo_id = ? AND updated_at > ?
		ORDER BY updated_at ASC
	`, entity, geoID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get returns a single record including soft-deleted ones.
func (s *Store) Get(ctx context.Context, entity, id string) (*outsync.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity, id, geo_id, version, payload, updated_at, deleted_at
		FROM sync_records
		WHERE entity = ? AND id = ?
	`, entity, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// ApplyChange applies one push tuple from an edge. Pushes are accepted
// unconditionally (edges are the origin of their own scoped writes) but the
// version counter still advances monotonically past any existing copy.
func (s *Store) ApplyChange(ctx context.Context, entity, geoID string, ch outsync.PushChange) error {
	if err := validateChange(entity, ch); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	existing, err := s.Get(ctx, entity, ch.ID)
	if err != nil && err != ErrNotFound {
		return err
	}

	version := ch.Version
	if version < 1 {
		version = 1
	}
	if existing != nil && existing.Version >= version {
		version = existing.Version + 1
	}

	switch ch.Operation {
	case outsync.OperationCreate, outsync.OperationUpdate:
		payload := ch.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sync_records (entity, id, geo_id, version, payload, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(entity, id) DO UPDATE SET
				geo_id = excluded.geo_id,
				version = excluded.version,
				payload = excluded.payload,
				updated_at = excluded.updated_at,
				deleted_at = NULL
		`, entity, ch.ID, geoID, version, string(payload), now)
		if err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}

	case outsync.OperationDelete:
		// Soft delete keeps the row visible to delta sync.
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sync_records (entity, id, geo_id, version, payload, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, '{}', ?, ?)
			ON CONFLICT(entity, id) DO UPDATE SET
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted_at = excluded.deleted_at
		`, entity, ch.ID, geoID, version, now, now)
		if err != nil {
			return fmt.Errorf("soft-delete record: %w", err)
		}
	}

	return nil
}

// validateChange rejects malformed push tuples before any write.
func validateChange(entity string, ch outsync.PushChange) error {
	if entity == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalidChange)
	}
	if ch.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidChange)
	}
	switch ch.Operation {
	case outsync.OperationCreate, outsync.OperationUpdate, outsync.OperationDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, ch.Operation)
	}
	if ch.Operation != outsync.OperationDelete && len(ch.Payload) > 0 && !json.Valid(ch.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidChange)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]outsync.Record, error) {
	records := make([]outsync.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(scanner interface{ Scan(...any) error }) (*outsync.Record, error) {
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
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			rec.DeletedAt = &t
		}
	}
	return &rec, nil
}
