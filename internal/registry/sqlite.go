package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// Registry is the SQLite-backed instance registry. It shares the central
// node's database handle with the record store.
type Registry struct {
	db *sql.DB
}

// New creates a Registry over an already-migrated central database.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register creates a new edge instance and returns it together with the
// freshly generated shared secret. The secret is returned exactly once; it
// is stored server-side but never exposed again.
func (r *Registry) Register(ctx context.Context, serverID, geoID, serverName, publicKey string) (*Instance, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("generate shared secret: %w", err)
	}

	now := time.Now().UTC()
	inst := &Instance{
		InstanceID:    uuid.NewString(),
		ServerID:      serverID,
		GeoID:         geoID,
		ServerName:    serverName,
		PublicKey:     publicKey,
		Status:        StatusActive,
		SharedSecret:  secret,
		NeedsFullSync: true,
		Metrics:       json.RawMessage("{}"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO edge_instances (
			instance_id, server_id, geo_id, server_name, public_key,
			status, shared_secret, needs_full_sync, metrics, queue_size,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, '{}', 0, ?, ?)
	`, inst.InstanceID, inst.ServerID, inst.GeoID, inst.ServerName, inst.PublicKey,
		inst.Status, inst.SharedSecret,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateServerID
		}
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	return inst, nil
}

// GetByServerID returns the instance for the given server identifier
// regardless of status.
func (r *Registry) GetByServerID(ctx context.Context, serverID string) (*Instance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT instance_id, server_id, geo_id, server_name, public_key,
		       status, shared_secret, needs_full_sync, last_heartbeat,
		       metrics, queue_size, created_at, updated_at
		FROM edge_instances
		WHERE server_id = ?
	`, serverID)
	return scanInstance(row)
}

// GetActive returns the instance only if its status is active.
// Returns ErrNotFound for unknown identifiers and ErrNotActive otherwise.
func (r *Registry) GetActive(ctx context.Context, serverID string) (*Instance, error) {
	inst, err := r.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusActive {
		return nil, ErrNotActive
	}
	return inst, nil
}

// RecordHeartbeat updates the instance's liveness metadata from a heartbeat.
func (r *Registry) RecordHeartbeat(ctx context.Context, serverID string, metrics json.RawMessage, queueSize int) error {
	if len(metrics) == 0 {
		metrics = json.RawMessage("{}")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	result, err := r.db.ExecContext(ctx, `
		UPDATE edge_instances
		SET last_heartbeat = ?, metrics = ?, queue_size = ?, updated_at = ?
		WHERE server_id = ?
	`, now, string(metrics), queueSize, now, serverID)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return requireRow(result)
}

// SetNeedsFullSync flips the full-resync flag for an instance.
func (r *Registry) SetNeedsFullSync(ctx context.Context, serverID string, needs bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE edge_instances SET needs_full_sync = ?, updated_at = ? WHERE server_id = ?
	`, boolToInt(needs), time.Now().UTC().Format(time.RFC3339Nano), serverID)
	if err != nil {
		return fmt.Errorf("set needs_full_sync: %w", err)
	}
	return requireRow(result)
}

// SetStatus changes the lifecycle status of an instance. Revocation is a
// soft operation; the row is kept.
func (r *Registry) SetStatus(ctx context.Context, serverID, status string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE edge_instances SET status = ?, updated_at = ? WHERE server_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), serverID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(result)
}

// RotateSecret replaces an instance's shared secret and returns the new
// value. Like registration, the secret is returned exactly once.
func (r *Registry) RotateSecret(ctx context.Context, serverID string) (string, error) {
	secret, err := newSecret()
	if err != nil {
		return "", fmt.Errorf("generate shared secret: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE edge_instances SET shared_secret = ?, updated_at = ? WHERE server_id = ?
	`, secret, time.Now().UTC().Format(time.RFC3339Nano), serverID)
	if err != nil {
		return "", fmt.Errorf("rotate secret: %w", err)
	}
	if err := requireRow(result); err != nil {
		return "", err
	}
	return secret, nil
}

// List returns all registered instances ordered by server identifier.
func (r *Registry) List(ctx context.Context) ([]Instance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT instance_id, server_id, geo_id, server_name, public_key,
		       status, shared_secret, needs_full_sync, last_heartbeat,
		       metrics, queue_size, created_at, updated_at
		FROM edge_instances
		ORDER BY server_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// EnqueueCommand queues a remote command for delivery on the instance's next
// heartbeat.
func (r *Registry) EnqueueCommand(ctx context.Context, serverID, kind string, payload json.RawMessage) (string, error) {
	id := ulid.Make().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO remote_commands (id, server_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, serverID, kind, nullableJSON(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}
	return id, nil
}

// TakePendingCommands returns undelivered commands for the instance and
// marks them delivered. Each command is handed out at most once.
func (r *Registry) TakePendingCommands(ctx context.Context, serverID string) ([]outsync.RemoteCommand, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, payload FROM remote_commands
		WHERE server_id = ? AND delivered_at IS NULL
		ORDER BY created_at ASC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}

	var commands []outsync.RemoteCommand
	for rows.Next() {
		var cmd outsync.RemoteCommand
		var payload sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Kind, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if payload.Valid {
			cmd.Payload = json.RawMessage(payload.String)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(commands) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, cmd := range commands {
		if _, err := tx.ExecContext(ctx, `
			UPDATE remote_commands SET delivered_at = ? WHERE id = ?
		`, now, cmd.ID); err != nil {
			return nil, fmt.Errorf("mark command delivered: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return commands, nil
}

// newSecret produces a 32-byte random secret, hex-encoded.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func scanInstance(scanner interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	var needsFullSync int
	var lastHeartbeat sql.NullString
	var metrics string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&inst.InstanceID, &inst.ServerID, &inst.GeoID, &inst.ServerName,
		&inst.PublicKey, &inst.Status, &inst.SharedSecret, &needsFullSync,
		&lastHeartbeat, &metrics, &inst.QueueSize, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	inst.NeedsFullSync = needsFullSync != 0
	inst.Metrics = json.RawMessage(metrics)
	if lastHeartbeat.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String); err == nil {
			inst.LastHeartbeat = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		inst.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		inst.UpdatedAt = t
	}
	return &inst, nil
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

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func nullableJSON(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
