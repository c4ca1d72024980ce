package edgestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Operating modes for the edge node.
const (
	ModeOnline      = "online"
	ModeOffline     = "offline"
	ModeMaintenance = "maintenance"
)

// State keys for the sync_state key-value store.
const (
	StateInstanceID    = "instance_id"
	StateSharedSecret  = "shared_secret"
	StateMode          = "mode"
	StateOfflineSince  = "offline_since"
	StateLastFullSync  = "last_full_sync"
	StateLastDeltaSync = "last_delta_sync"
	StateSyncVersion   = "sync_version"
)

// GetState retrieves a state value by key. Returns ErrNotFound if unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("state key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return value, nil
}

// SetState sets a state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// DeleteState removes a state key. Missing keys are not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Mode returns the current operating mode, defaulting to online when unset.
func (s *Store) Mode(ctx context.Context) (string, error) {
	mode, err := s.GetState(ctx, StateMode)
	if errors.Is(err, ErrNotFound) {
		return ModeOnline, nil
	}
	if err != nil {
		return "", err
	}
	return mode, nil
}

// SetMode transitions the operating mode. Entering offline stamps
// offline_since; leaving it clears the stamp.
func (s *Store) SetMode(ctx context.Context, mode string) error {
	switch mode {
	case ModeOnline, ModeOffline, ModeMaintenance:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if err := s.SetState(ctx, StateMode, mode); err != nil {
		return err
	}

	if mode == ModeOffline {
		return s.SetState(ctx, StateOfflineSince, formatTime(time.Now().UTC()))
	}
	return s.DeleteState(ctx, StateOfflineSince)
}

// OfflineSince returns when the edge went offline, or the zero time when the
// edge is online.
func (s *Store) OfflineSince(ctx context.Context) (time.Time, error) {
	v, err := s.GetState(ctx, StateOfflineSince)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v), nil
}

// Checkpoint returns the named sync checkpoint, or the zero time when the
// phase has never completed.
func (s *Store) Checkpoint(ctx context.Context, key string) (time.Time, error) {
	v, err := s.GetState(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v), nil
}

// SetCheckpoint advances the named sync checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, key string, t time.Time) error {
	return s.SetState(ctx, key, formatTime(t))
}

// SyncVersion returns the monotonic sync-version counter.
func (s *Store) SyncVersion(ctx context.Context) (int64, error) {
	v, err := s.GetState(ctx, StateSyncVersion)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sync version: %w", err)
	}
	return n, nil
}

// IncrementSyncVersion bumps the sync-version counter and returns the new
// value. Called once per completed sync cycle.
func (s *Store) IncrementSyncVersion(ctx context.Context) (int64, error) {
	current, err := s.SyncVersion(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := s.SetState(ctx, StateSyncVersion, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}
