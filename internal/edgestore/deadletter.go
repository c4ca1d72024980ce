package edgestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DeadLetterEntry is a queue item that exhausted its retry budget. Held for
// manual inspection; never retried automatically.
type DeadLetterEntry struct {
	ID          string          `json:"id"`
	QueueID     string          `json:"queueId"`
	Operation   string          `json:"operation"`
	Entity      string          `json:"entity"`
	RecordID    string          `json:"recordId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	ExhaustedAt time.Time       `json:"exhaustedAt"`
}

// ListDeadLetters returns dead-lettered items, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_id, operation, entity, record_id, payload,
		       attempts, last_error, enqueued_at, exhausted_at
		FROM dead_letter
		ORDER BY exhausted_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]DeadLetterEntry, 0)
	for rows.Next() {
		var e DeadLetterEntry
		var payload sql.NullString
		var enqueuedAt, exhaustedAt string

		if err := rows.Scan(&e.ID, &e.QueueID, &e.Operation, &e.Entity, &e.RecordID,
			&payload, &e.Attempts, &e.LastError, &enqueuedAt, &exhaustedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.EnqueuedAt = parseTime(enqueuedAt)
		e.ExhaustedAt = parseTime(exhaustedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetDeadLetter returns a single dead-letter entry by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error) {
	return getDeadLetter(ctx, s.db, id)
}

func getDeadLetter(ctx context.Context, q dbtx, id string) (*DeadLetterEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, queue_id, operation, entity, record_id, payload,
		       attempts, last_error, enqueued_at, exhausted_at
		FROM dead_letter WHERE id = ?
	`, id)

	var e DeadLetterEntry
	var payload sql.NullString
	var enqueuedAt, exhaustedAt string

	err := row.Scan(&e.ID, &e.QueueID, &e.Operation, &e.Entity, &e.RecordID,
		&payload, &e.Attempts, &e.LastError, &enqueuedAt, &exhaustedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}

	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.EnqueuedAt = parseTime(enqueuedAt)
	e.ExhaustedAt = parseTime(exhaustedAt)
	return &e, nil
}

// RequeueDeadLetter moves a dead-lettered item back into the active queue
// with a fresh attempt budget, atomically: the item is never both queued and
// dead-lettered. This is the manual operator path; nothing requeues
// automatically.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string, priority, maxAttempts int) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := getDeadLetter(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	item, err := enqueue(ctx, tx, entry.Operation, entry.Entity, entry.RecordID, entry.Payload, priority, maxAttempts)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("remove dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return item, nil
}
