// Package gateway implements the central sync gateway: authentication,
// registration, heartbeat, full/delta reads and pushed writes.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/outpost-sync/outpost/internal/centralstore"
	"github.com/outpost-sync/outpost/internal/registry"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// Handler implements the gateway endpoints.
type Handler struct {
	instances         *registry.Registry
	records           *centralstore.Store
	registrationToken string
	version           string
}

// NewHandler creates a gateway Handler.
func NewHandler(instances *registry.Registry, records *centralstore.Store, registrationToken, version string) *Handler {
	return &Handler{
		instances:         instances,
		records:           records,
		registrationToken: registrationToken,
		version:           version,
	}
}

// Health returns the service health status. Public, unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, map[string]any{
		"status":  "healthy",
		"version": h.version,
	})
}

// Register handles POST /sync/register. The one-time registration token is
// validated before any record is created; the shared secret is returned
// exactly once and never retrievable again.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(outsync.HeaderRegistrationToken)
	if !RegistrationTokenValid(token, h.registrationToken) {
		authFailure(w, r, "invalid registration token")
		return
	}

	var req outsync.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.ServerID == "" || req.GeoID == "" {
		WriteError(w, http.StatusBadRequest, "serverId and geoId are required")
		return
	}

	inst, err := h.instances.Register(r.Context(), req.ServerID, req.GeoID, req.ServerName, req.PublicKey)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateServerID) {
			WriteError(w, http.StatusConflict, "server id already registered")
			return
		}
		slog.Error("registration failed", "server_id", req.ServerID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("edge registered",
		"component", "gateway",
		"action", "register",
		"server_id", inst.ServerID,
		"geo_id", inst.GeoID,
		"instance_id", inst.InstanceID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(outsync.RegisterResponse{
		Success:      true,
		InstanceID:   inst.InstanceID,
		SharedSecret: inst.SharedSecret,
	})
}

// Heartbeat handles POST /sync/heartbeat. Updates liveness metadata and
// returns the full-resync flag plus any queued remote commands.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	inst := MustInstanceFromContext(r.Context())

	var req outsync.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	metrics, err := json.Marshal(req.Metrics)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid metrics payload")
		return
	}

	if err := h.instances.RecordHeartbeat(r.Context(), inst.ServerID, metrics, req.QueueSize); err != nil {
		slog.Error("heartbeat update failed", "server_id", inst.ServerID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	commands, err := h.instances.TakePendingCommands(r.Context(), inst.ServerID)
	if err != nil {
		slog.Error("command delivery failed", "server_id", inst.ServerID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if commands == nil {
		commands = []outsync.RemoteCommand{}
	}

	WriteJSON(w, outsync.HeartbeatResponse{
		Success:       true,
		NeedsFullSync: inst.NeedsFullSync,
		Commands:      commands,
		ServerTime:    time.Now().UTC(),
	})
}

// FullSync handles POST /sync/full. Serves the complete scoped record set per
// requested entity type and clears the instance's full-resync flag.
func (h *Handler) FullSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	inst := MustInstanceFromContext(r.Context())

	var req outsync.FullSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(req.Entities) == 0 {
		WriteError(w, http.StatusBadRequest, "entities is required")
		return
	}

	entities := make(map[string][]outsync.Record, len(req.Entities))
	for _, entity := range req.Entities {
		records, err := h.records.Full(r.Context(), entity, inst.GeoID)
		if err != nil {
			slog.Error("full sync query failed",
				"component", "gateway",
				"action", "full_sync_failed",
				"server_id", inst.ServerID,
				"entity", entity,
				"error", err,
			)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		entities[entity] = records
	}

	if err := h.instances.SetNeedsFullSync(r.Context(), inst.ServerID, false); err != nil {
		slog.Warn("failed to clear needs_full_sync", "server_id", inst.ServerID, "error", err)
	}

	slog.Info("full sync served",
		"component", "gateway",
		"action", "full_sync",
		"server_id", inst.ServerID,
		"geo_id", inst.GeoID,
		"entities", len(req.Entities),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	WriteJSON(w, outsync.FullSyncResponse{Success: true, Entities: entities})
}

// Changes handles GET /sync/changes. Serves records modified after `since`,
// soft-deleted ones included so deletions propagate.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	inst := MustInstanceFromContext(r.Context())

	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		WriteError(w, http.StatusBadRequest, "missing required query parameter: since")
		return
	}
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid since parameter: must be RFC 3339")
		return
	}

	entitiesParam := r.URL.Query().Get("entities")
	if entitiesParam == "" {
		WriteError(w, http.StatusBadRequest, "missing required query parameter: entities")
		return
	}

	changes := make(map[string][]outsync.Record)
	for _, entity := range strings.Split(entitiesParam, ",") {
		entity = strings.TrimSpace(entity)
		if entity == "" {
			continue
		}
		records, err := h.records.ChangesSince(r.Context(), entity, inst.GeoID, since)
		if err != nil {
			slog.Error("delta query failed",
				"component", "gateway",
				"action", "changes_failed",
				"server_id", inst.ServerID,
				"entity", entity,
				"error", err,
			)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		changes[entity] = records
	}

	slog.Info("delta sync served",
		"component", "gateway",
		"action", "changes",
		"server_id", inst.ServerID,
		"since", since,
		"entities", len(changes),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	WriteJSON(w, outsync.ChangesResponse{Success: true, Changes: changes})
}

// Push handles POST /sync/push. Items are processed independently: one
// rejection never blocks the rest, and accepted+rejected always equals the
// submitted count.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	inst := MustInstanceFromContext(r.Context())

	var req outsync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Entity == "" {
		WriteError(w, http.StatusBadRequest, "entity is required")
		return
	}
	if len(req.Changes) == 0 {
		WriteError(w, http.StatusBadRequest, "changes array is required")
		return
	}

	geoID := req.GeoID
	if geoID == "" {
		geoID = inst.GeoID
	}

	result := outsync.PushResult{Errors: []outsync.PushItemError{}}
	for _, ch := range req.Changes {
		if err := h.records.ApplyChange(r.Context(), req.Entity, geoID, ch); err != nil {
			result.Rejected++
			detail := "internal error"
			if errors.Is(err, centralstore.ErrInvalidChange) {
				detail = err.Error()
			} else {
				slog.Error("push item failed",
					"component", "gateway",
					"server_id", inst.ServerID,
					"entity", req.Entity,
					"record_id", ch.ID,
					"error", err,
				)
			}
			result.Errors = append(result.Errors, outsync.PushItemError{ID: ch.ID, Error: detail})
			continue
		}
		result.Accepted++
	}

	slog.Info("push completed",
		"component", "gateway",
		"action", "push",
		"server_id", inst.ServerID,
		"entity", req.Entity,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	WriteJSON(w, outsync.PushResponse{Success: true, Results: result})
}

// PushItem handles POST /sync/item, the lowest-latency single-tuple path.
func (h *Handler) PushItem(w http.ResponseWriter, r *http.Request) {
	inst := MustInstanceFromContext(r.Context())

	var req outsync.ItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	change := outsync.PushChange{
		Operation: req.Operation,
		ID:        req.ID,
		Version:   req.Version,
		Payload:   req.Data,
	}
	if err := h.records.ApplyChange(r.Context(), req.Entity, inst.GeoID, change); err != nil {
		if errors.Is(err, centralstore.ErrInvalidChange) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("item push failed",
			"component", "gateway",
			"server_id", inst.ServerID,
			"entity", req.Entity,
			"record_id", req.ID,
			"error", err,
		)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	WriteJSON(w, outsync.ItemResponse{Success: true})
}

// Status handles GET /sync/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	inst := MustInstanceFromContext(r.Context())

	WriteJSON(w, outsync.StatusResponse{
		Success:    true,
		InstanceID: inst.InstanceID,
		GeoID:      inst.GeoID,
		Status:     inst.Status,
	})
}
