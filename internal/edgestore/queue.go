package edgestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Queue item statuses. Completion deletes the row and a failed attempt
// resets to pending, so these two are the only persisted values.
const (
	QueueStatusPending  = "pending"
	QueueStatusInFlight = "in_flight"
)

// QueueItem is one pending outbound operation tied to a change-log entry.
// At most one attempt per item is in flight at a time.
type QueueItem struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	Entity        string          `json:"entity"`
	RecordID      string          `json:"recordId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Enqueue adds a new pending item to the outbound queue and returns it.
// Lower priority values drain first.
func (s *Store) Enqueue(ctx context.Context, operation, entity, recordID string, payload json.RawMessage, priority, maxAttempts int) (*QueueItem, error) {
	return enqueue(ctx, s.db, operation, entity, recordID, payload, priority, maxAttempts)
}

func enqueue(ctx context.Context, q dbtx, operation, entity, recordID string, payload json.RawMessage, priority, maxAttempts int) (*QueueItem, error) {
	now := time.Now().UTC()
	item := &QueueItem{
		ID:            ulid.Make().String(),
		Operation:     operation,
		Entity:        entity,
		RecordID:      recordID,
		Payload:       payload,
		Priority:      priority,
		Status:        QueueStatusPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue (
			id, operation, entity, record_id, payload, priority, status,
			attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, ?, ?)
	`, item.ID, operation, entity, recordID, nullableJSON(payload), priority,
		maxAttempts, formatTime(now), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// ClaimNext atomically claims the most urgent due pending item, marking it
// in-flight. Returns ErrNotFound when nothing is due.
func (s *Store) ClaimNext(ctx context.Context) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT id, operation, entity, record_id, payload, priority, status,
		       attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at
		FROM sync_queue
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, formatTime(now))

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'in_flight', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(now), item.ID)
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Raced with another worker inside the same process.
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	item.Status = QueueStatusInFlight
	item.UpdatedAt = now
	return item, nil
}

// CompleteItem removes a successfully pushed item from the active queue.
func (s *Store) CompleteItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return requireRow(result)
}

// FailItem records a failed attempt: increments the attempt counter and
// reschedules the item as pending at nextAttempt.
func (s *Store) FailItem(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', attempts = attempts + 1, last_error = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, lastError, formatTime(nextAttempt.UTC()), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	return requireRow(result)
}

// ReleaseItem returns a claimed item to pending without counting an attempt.
// Used when the push failed for reasons outside the item itself, such as the
// central node being unreachable.
func (s *Store) ReleaseItem(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, lastError, formatTime(nextAttempt.UTC()), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	return requireRow(result)
}

// DeadLetterItem moves an exhausted item verbatim into the dead-letter table
// and removes it from the active queue, atomically. The item is never retried
// automatically again.
func (s *Store) DeadLetterItem(ctx context.Context, id, lastError string) (*DeadLetterEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, operation, entity, record_id, payload, priority, status,
		       attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at
		FROM sync_queue WHERE id = ?
	`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}

	now := time.Now().UTC()
	entry := &DeadLetterEntry{
		ID:          ulid.Make().String(),
		QueueID:     item.ID,
		Operation:   item.Operation,
		Entity:      item.Entity,
		RecordID:    item.RecordID,
		Payload:     item.Payload,
		Attempts:    item.Attempts + 1,
		LastError:   lastError,
		EnqueuedAt:  item.CreatedAt,
		ExhaustedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter (
			id, queue_id, operation, entity, record_id, payload,
			attempts, last_error, enqueued_at, exhausted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.QueueID, entry.Operation, entry.Entity, entry.RecordID,
		nullableJSON(entry.Payload), entry.Attempts, entry.LastError,
		formatTime(entry.EnqueuedAt), formatTime(entry.ExhaustedAt))
	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("remove queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entry, nil
}

// CompleteForRecord removes all pending queue items for one record. Used
// when a batch push already delivered the record's current state.
func (s *Store) CompleteForRecord(ctx context.Context, entity, recordID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE entity = ? AND record_id = ? AND status = 'pending'
	`, entity, recordID)
	if err != nil {
		return 0, fmt.Errorf("complete record items: %w", err)
	}
	return result.RowsAffected()
}

// CountPending returns the number of items awaiting push, in-flight included.
// Reported to the central node as the queue-size hint.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'in_flight')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// GetQueueItem returns a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation, entity, record_id, payload, priority, status,
		       attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at
		FROM sync_queue WHERE id = ?
	`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	return item, nil
}

// ReleaseInFlight returns all in-flight items to pending. Called on startup
// to recover items orphaned by a crash mid-attempt.
func (s *Store) ReleaseInFlight(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', updated_at = ?
		WHERE status = 'in_flight'
	`, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("release in-flight items: %w", err)
	}
	return result.RowsAffected()
}

func scanQueueItem(scanner interface{ Scan(...any) error }) (*QueueItem, error) {
	var item QueueItem
	var payload sql.NullString
	var nextAttemptAt, createdAt, updatedAt string

	err := scanner.Scan(&item.ID, &item.Operation, &item.Entity, &item.RecordID,
		&payload, &item.Priority, &item.Status, &item.Attempts, &item.MaxAttempts,
		&item.LastError, &nextAttemptAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	item.NextAttemptAt = parseTime(nextAttemptAt)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
