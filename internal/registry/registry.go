// Package registry tracks edge instances on the central node: identity,
// shared secret, lifecycle status, liveness metadata and pending remote
// commands.
package registry

import (
	"encoding/json"
	"errors"
	"time"
)

// Instance lifecycle statuses. Instances are never hard-deleted; revocation
// is a status change.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusRevoked  = "revoked"
)

// ErrNotFound indicates no instance exists for the given server identifier.
var ErrNotFound = errors.New("instance not found")

// ErrNotActive indicates the instance exists but its status is not active.
var ErrNotActive = errors.New("instance not active")

// ErrDuplicateServerID indicates a registration collision.
var ErrDuplicateServerID = errors.New("server id already registered")

// Instance is one registered edge node.
type Instance struct {
	InstanceID    string          `json:"instanceId"`
	ServerID      string          `json:"serverId"`
	GeoID         string          `json:"geoId"`
	ServerName    string          `json:"serverName"`
	PublicKey     string          `json:"-"`
	Status        string          `json:"status"`
	SharedSecret  string          `json:"-"`
	NeedsFullSync bool            `json:"needsFullSync"`
	LastHeartbeat *time.Time      `json:"lastHeartbeat,omitempty"`
	Metrics       json.RawMessage `json:"metrics,omitempty"`
	QueueSize     int             `json:"queueSize"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}
