// Package sync defines the wire types and header names shared by the
// central gateway and the edge uplink client.
package sync

import (
	"encoding/json"
	"time"
)

// Request headers carried by every authenticated sync request.
const (
	HeaderServerID  = "X-Server-ID"
	HeaderGeoID     = "X-Geo-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// HeaderRegistrationToken authorizes the unauthenticated registration call.
	HeaderRegistrationToken = "X-Registration-Token"
)

// Operation constants for change-log entries, queue items and push tuples.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Record is the envelope for one synchronizable domain record. Version and
// DeletedAt are the only conflict-resolution signals; there is no field-level
// merge.
type Record struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"`
	GeoID     string          `json:"geoId"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
}

// RegisterRequest is the body of POST /sync/register.
type RegisterRequest struct {
	ServerID   string `json:"serverId"`
	GeoID      string `json:"geoId"`
	ServerName string `json:"serverName"`
	// PublicKey is an opaque provisioning credential. It is stored verbatim
	// and never used for request signing.
	PublicKey string `json:"publicKey"`
}

// RegisterResponse returns the shared secret exactly once.
type RegisterResponse struct {
	Success      bool   `json:"success"`
	InstanceID   string `json:"instanceId"`
	SharedSecret string `json:"sharedSecret"`
}

// HeartbeatRequest is the body of POST /sync/heartbeat.
type HeartbeatRequest struct {
	Metrics   map[string]float64 `json:"metrics"`
	QueueSize int                `json:"queueSize"`
	Timestamp time.Time          `json:"timestamp"`
}

// RemoteCommand is a pending instruction addressed to one edge instance,
// delivered through the heartbeat response.
type RemoteCommand struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Remote command kinds the edge understands.
const (
	CommandFullSync     = "full_sync"
	CommandRotateSecret = "rotate_secret"
)

// HeartbeatResponse is the central's answer to a heartbeat probe.
type HeartbeatResponse struct {
	Success       bool            `json:"success"`
	NeedsFullSync bool            `json:"needsFullSync"`
	Commands      []RemoteCommand `json:"commands"`
	ServerTime    time.Time       `json:"serverTime"`
}

// FullSyncRequest is the body of POST /sync/full.
type FullSyncRequest struct {
	Entities []string `json:"entities"`
}

// FullSyncResponse maps each requested entity type to its complete,
// scope-filtered record set. Soft-deleted records are excluded.
type FullSyncResponse struct {
	Success  bool                `json:"success"`
	Entities map[string][]Record `json:"entities"`
}

// ChangesResponse is the delta-sync result. Soft-deleted records are included
// so deletions propagate; within a type records are ordered by UpdatedAt
// ascending so an interrupted client can resume.
type ChangesResponse struct {
	Success bool                `json:"success"`
	Changes map[string][]Record `json:"changes"`
}

// PushChange is one {operation, id, payload} tuple inside a batch push.
type PushChange struct {
	Operation string          `json:"operation"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Entity  string       `json:"entity"`
	GeoID   string       `json:"geoId"`
	Changes []PushChange `json:"changes"`
}

// PushItemError carries per-item rejection detail. Items are independent;
// one rejection never blocks the rest of the batch.
type PushItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// PushResult reports per-batch outcome. Accepted+Rejected always equals the
// number of submitted changes.
type PushResult struct {
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
	Errors   []PushItemError `json:"errors,omitempty"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Success bool       `json:"success"`
	Results PushResult `json:"results"`
}

// ItemRequest is the body of POST /sync/item, the single-tuple push path.
type ItemRequest struct {
	Operation string          `json:"operation"`
	Entity    string          `json:"entity"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ItemResponse is the body returned by POST /sync/item.
type ItemResponse struct {
	Success bool `json:"success"`
}

// StatusResponse is the body returned by GET /sync/status.
type StatusResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId"`
	GeoID      string `json:"geoId"`
	Status     string `json:"status"`
}

// ErrorResponse is the uniform error envelope: {success:false, error:…}.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
