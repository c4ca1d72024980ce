// Package uplink is the edge node's signed HTTP client for the central sync
// gateway.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/outpost-sync/outpost/internal/signing"
	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// ErrUnreachable signals that the central node could not be reached at all.
// Callers treat it as an offline indicator, not a data error.
var ErrUnreachable = errors.New("central node unreachable")

// AuthError is a terminal authentication failure (stale timestamp, bad
// signature, unknown or inactive instance). Never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Message
}

// RequestError is a terminal request rejection (malformed input).
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Message)
}

// TransientError is a retryable network or server failure. Drives the
// connectivity monitor's offline transition and the queue's backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client talks to the central sync gateway. All calls except Register are
// signed with the shared secret.
type Client struct {
	baseURL  string
	serverID string
	geoID    string
	http     *http.Client

	mu     sync.RWMutex
	secret string
}

// New creates an uplink client. The secret may be empty until registration.
func New(baseURL, serverID, geoID, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		serverID: serverID,
		geoID:    geoID,
		secret:   secret,
		http:     &http.Client{Timeout: timeout},
	}
}

// SetSecret installs the shared secret obtained from registration.
func (c *Client) SetSecret(secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = secret
}

func (c *Client) currentSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.secret
}

// Register performs the one-time registration handshake. The returned shared
// secret is installed on the client and must be persisted by the caller; it
// is never retrievable again.
func (c *Client) Register(ctx context.Context, token string, req outsync.RegisterRequest) (*outsync.RegisterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(outsync.HeaderRegistrationToken, token)

	var resp outsync.RegisterResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}

	c.SetSecret(resp.SharedSecret)
	return &resp, nil
}

// Heartbeat probes the central node. Not retried here: the connectivity
// monitor interprets a failure as an offline signal.
func (c *Client) Heartbeat(ctx context.Context, req outsync.HeartbeatRequest) (*outsync.HeartbeatResponse, error) {
	var resp outsync.HeartbeatResponse
	if err := c.signedCall(ctx, http.MethodPost, "/sync/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FullSync fetches the complete scoped record set for the given entity
// types. Idempotent; transient failures are retried with backoff.
func (c *Client) FullSync(ctx context.Context, entities []string) (*outsync.FullSyncResponse, error) {
	var resp outsync.FullSyncResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.signedCall(ctx, http.MethodPost, "/sync/full", outsync.FullSyncRequest{Entities: entities}, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Changes fetches records modified after since. Idempotent; transient
// failures are retried with backoff.
func (c *Client) Changes(ctx context.Context, since time.Time, entities []string) (*outsync.ChangesResponse, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("entities", strings.Join(entities, ","))

	var resp outsync.ChangesResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.signedCall(ctx, http.MethodGet, "/sync/changes?"+q.Encode(), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push submits a batch of local changes. Retries are the queue's job, not
// the client's.
func (c *Client) Push(ctx context.Context, req outsync.PushRequest) (*outsync.PushResponse, error) {
	var resp outsync.PushResponse
	if err := c.signedCall(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushItem submits a single change tuple, the lowest-latency push path.
func (c *Client) PushItem(ctx context.Context, req outsync.ItemRequest) (*outsync.ItemResponse, error) {
	var resp outsync.ItemResponse
	if err := c.signedCall(ctx, http.MethodPost, "/sync/item", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches this instance's registration status.
func (c *Client) Status(ctx context.Context) (*outsync.StatusResponse, error) {
	var resp outsync.StatusResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.signedCall(ctx, http.MethodGet, "/sync/status", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// withRetry retries transient failures of idempotent calls with capped
// exponential backoff.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// signedCall builds, signs and executes one authenticated request.
func (c *Client) signedCall(ctx context.Context, method, pathAndQuery string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(outsync.HeaderServerID, c.serverID)
	req.Header.Set(outsync.HeaderGeoID, c.geoID)
	req.Header.Set(outsync.HeaderTimestamp, timestamp)
	req.Header.Set(outsync.HeaderSignature,
		signing.Sign([]byte(c.currentSecret()), method, pathAndQuery, timestamp, payload))

	return c.do(req, out)
}

// do executes the request and decodes the response, mapping HTTP status
// classes onto the error taxonomy.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Message: errorMessage(body)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))}
	case resp.StatusCode >= 400:
		return &RequestError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts the error detail from the uniform envelope, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var envelope outsync.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}
