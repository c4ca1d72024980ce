package edgestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeLogEntry is one local mutation awaiting (or past) synchronization.
// Append-only and immutable once written, except for the synced flag.
type ChangeLogEntry struct {
	Sequence  int64           `json:"sequence"`
	Entity    string          `json:"entity"`
	RecordID  string          `json:"recordId"`
	Operation string          `json:"operation"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Actor     string          `json:"actor"`
	Synced    bool            `json:"synced"`
	SyncedAt  *time.Time      `json:"syncedAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AppendChange records a local mutation in the change log.
// Returns the assigned sequence number.
func (s *Store) AppendChange(ctx context.Context, entry *ChangeLogEntry) (int64, error) {
	return appendChange(ctx, s.db, entry)
}

func appendChange(ctx context.Context, q dbtx, entry *ChangeLogEntry) (int64, error) {
	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		INSERT INTO change_log (entity, record_id, operation, before, after, actor, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, entry.Entity, entry.RecordID, entry.Operation,
		nullableJSON(entry.Before), nullableJSON(entry.After), entry.Actor, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return result.LastInsertId()
}

// MarkChangesSynced stamps the given change-log sequences as synchronized.
func (s *Store) MarkChangesSynced(ctx context.Context, sequences []int64) error {
	if len(sequences) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, seq := range sequences {
		if _, err := tx.ExecContext(ctx, `
			UPDATE change_log SET synced = 1, synced_at = ? WHERE sequence = ?
		`, now, seq); err != nil {
			return fmt.Errorf("mark change %d synced: %w", seq, err)
		}
	}
	return tx.Commit()
}

// MarkRecordSynced stamps all unsynced change-log entries for one record.
// Used when a queue item completes; the queue carries entity+record identity,
// not change-log sequences.
func (s *Store) MarkRecordSynced(ctx context.Context, entity, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE change_log SET synced = 1, synced_at = ?
		WHERE entity = ? AND record_id = ? AND synced = 0
	`, formatTime(time.Now().UTC()), entity, recordID)
	if err != nil {
		return fmt.Errorf("mark record synced: %w", err)
	}
	return nil
}

// UnsyncedChanges returns entries not yet confirmed synchronized, oldest
// first. Used to rebuild the queue after data loss.
func (s *Store) UnsyncedChanges(ctx context.Context, limit int) ([]ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, entity, record_id, operation, before, after, actor, synced, synced_at, created_at
		FROM change_log
		WHERE synced = 0
		ORDER BY sequence ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced changes: %w", err)
	}
	defer rows.Close()

	entries := make([]ChangeLogEntry, 0)
	for rows.Next() {
		var e ChangeLogEntry
		var before, after sql.NullString
		var synced int
		var syncedAt sql.NullString
		var createdAt string

		if err := rows.Scan(&e.Sequence, &e.Entity, &e.RecordID, &e.Operation,
			&before, &after, &e.Actor, &synced, &syncedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}

		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		e.Synced = synced != 0
		if syncedAt.Valid {
			t := parseTime(syncedAt.String)
			e.SyncedAt = &t
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
