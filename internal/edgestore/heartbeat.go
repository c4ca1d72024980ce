package edgestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Heartbeat outcomes.
const (
	HeartbeatSuccess = "success"
	HeartbeatFailed  = "failed"
	HeartbeatTimeout = "timeout"
)

// HeartbeatRecord is one probe against the central node. Append-only, purely
// diagnostic, never mutated.
type HeartbeatRecord struct {
	ID        int64           `json:"id"`
	Outcome   string          `json:"outcome"`
	LatencyMS int64           `json:"latencyMs"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metrics   json.RawMessage `json:"metrics"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AppendHeartbeat records the outcome of one connectivity probe.
func (s *Store) AppendHeartbeat(ctx context.Context, rec *HeartbeatRecord) error {
	metrics := rec.Metrics
	if len(metrics) == 0 {
		metrics = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_log (outcome, latency_ms, response, error, metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Outcome, rec.LatencyMS, nullableJSON(rec.Response), rec.Error,
		string(metrics), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("append heartbeat: %w", err)
	}
	return nil
}

// RecentHeartbeats returns the newest probe records, newest first.
func (s *Store) RecentHeartbeats(ctx context.Context, limit int) ([]HeartbeatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outcome, latency_ms, response, error, metrics, created_at
		FROM heartbeat_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	records := make([]HeartbeatRecord, 0)
	for rows.Next() {
		var rec HeartbeatRecord
		var response sql.NullString
		var metrics, createdAt string

		if err := rows.Scan(&rec.ID, &rec.Outcome, &rec.LatencyMS, &response,
			&rec.Error, &metrics, &createdAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if response.Valid {
			rec.Response = json.RawMessage(response.String)
		}
		rec.Metrics = json.RawMessage(metrics)
		rec.CreatedAt = parseTime(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
