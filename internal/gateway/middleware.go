package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/outpost-sync/outpost/internal/registry"
	"github.com/outpost-sync/outpost/internal/signing"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// maxSignedBodySize bounds how much request body the middleware will buffer
// for signature verification.
const maxSignedBodySize = 4 << 20

// instanceLookup is the registry subset the auth middleware needs.
type instanceLookup interface {
	GetByServerID(ctx context.Context, serverID string) (*registry.Instance, error)
}

// AuthMiddleware authenticates signed sync requests. Checks run cheapest
// first: timestamp freshness, then signature, then instance status. On
// success the resolved instance is attached to the request context.
func AuthMiddleware(instances instanceLookup, skew time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serverID := r.Header.Get(outsync.HeaderServerID)
			timestamp := r.Header.Get(outsync.HeaderTimestamp)
			signature := r.Header.Get(outsync.HeaderSignature)

			if serverID == "" || timestamp == "" || signature == "" {
				authFailure(w, r, "missing authentication headers")
				return
			}

			// 1. Timestamp freshness. Rejecting stale requests first keeps
			// abuse traffic cheap and avoids a registry lookup.
			sent, err := time.Parse(time.RFC3339, timestamp)
			if err != nil {
				authFailure(w, r, "malformed timestamp")
				return
			}
			delta := time.Since(sent)
			if delta > skew {
				authFailure(w, r, "timestamp too old")
				return
			}
			if delta < -skew {
				authFailure(w, r, "timestamp too far in future")
				return
			}

			// 2. Signature. The secret comes from the claimed identifier; an
			// unknown identifier cannot be verified and fails closed.
			inst, err := instances.GetByServerID(r.Context(), serverID)
			if err != nil {
				if errors.Is(err, registry.ErrNotFound) {
					authFailure(w, r, "unknown or inactive server")
					return
				}
				slog.Error("instance lookup failed", "server_id", serverID, "error", err)
				WriteError(w, http.StatusInternalServerError, "internal error")
				return
			}

			body, err := readSignedBody(r)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "unreadable request body")
				return
			}

			if err := signing.Verify([]byte(inst.SharedSecret), r.Method, r.URL.RequestURI(), timestamp, body, signature); err != nil {
				authFailure(w, r, "invalid signature")
				return
			}

			// 3. Instance status. Signature validity does not readmit a
			// revoked or deactivated instance.
			if inst.Status != registry.StatusActive {
				authFailure(w, r, "unknown or inactive server")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithInstance(r.Context(), inst)))
		})
	}
}

// readSignedBody buffers the request body for signature verification and
// restores it for downstream handlers.
func readSignedBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize))
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// authFailure logs and rejects with 401. The expected signature is never
// included in logs or responses.
func authFailure(w http.ResponseWriter, r *http.Request, detail string) {
	slog.Warn("auth failure",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_ip", r.RemoteAddr,
		"detail", detail,
	)
	WriteError(w, http.StatusUnauthorized, detail)
}

// RegistrationTokenValid compares the presented one-time registration token
// against the configured value in constant time.
func RegistrationTokenValid(presented, expected string) bool {
	if expected == "" || len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
