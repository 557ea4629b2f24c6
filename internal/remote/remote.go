// Package remote talks to the cloud sync server. The wire protocol is JSON
// over HTTP with bearer-token auth; pushes are idempotent per change record
// identifier so retried uploads never duplicate data server-side.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/logger"
	"github.com/driftlab/driftsync/internal/storage"
)

// Change is the wire form of a change record
type Change struct {
	ID         string           `json:"id"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Op         storage.ChangeOp `json:"op"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Version    int64            `json:"version"`
	Checksum   string           `json:"checksum,omitempty"`
	DeviceID   string           `json:"device_id"`
	Timestamp  int64            `json:"timestamp"`
}

// Rejection explains why the server refused one pushed change
type Rejection struct {
	ChangeID  string `json:"change_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// PushResult reports the per-record outcome of a push
type PushResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// PullResult carries remote changes newer than the requested watermark.
// ServerTime is the authoritative timestamp to advance the watermark to.
type PullResult struct {
	Changes    []Change `json:"changes"`
	ServerTime int64    `json:"server_time"`
	HasMore    bool     `json:"has_more"`
}

// Store is the remote side of synchronization
type Store interface {
	Push(ctx context.Context, changes []Change) (*PushResult, error)
	PullSince(ctx context.Context, since int64, limit int) (*PullResult, error)
	Health(ctx context.Context) error
}

type pushRequest struct {
	DeviceID string   `json:"device_id"`
	Changes  []Change `json:"changes"`
}

type serverErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// HTTPStore is the production Store over HTTP
type HTTPStore struct {
	baseURL  string
	token    string
	deviceID string
	client   *http.Client
	logger   *logger.Logger
}

// NewHTTPStore creates a client against the configured sync server
func NewHTTPStore(cfg *config.Config, deviceID string) *HTTPStore {
	return &HTTPStore{
		baseURL:  strings.TrimRight(cfg.Sync.ServerURL, "/"),
		token:    cfg.Sync.Token,
		deviceID: deviceID,
		client: &http.Client{
			Timeout: cfg.GetSyncTimeout(),
		},
		logger: logger.GetLogger().WithComponent("remote"),
	}
}

func (s *HTTPStore) apiURL(path string) string {
	return s.baseURL + "/api/v1" + path
}

// Push uploads a batch of changes. The server deduplicates on change id, so
// re-pushing an already-accepted record reports it accepted again.
func (s *HTTPStore) Push(ctx context.Context, changes []Change) (*PushResult, error) {
	if len(changes) == 0 {
		return &PushResult{}, nil
	}

	body, err := json.Marshal(pushRequest{DeviceID: s.deviceID, Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	start := time.Now()
	resp, err := s.do(ctx, http.MethodPost, s.apiURL("/changes"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := s.handleResponse(resp); err != nil {
		return nil, err
	}

	var result PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewSyncError(CodeServerError, "malformed push response", true, err)
	}

	s.logger.Debug().
		Int("pushed", len(changes)).
		Int("accepted", len(result.Accepted)).
		Int("rejected", len(result.Rejected)).
		Dur("duration", time.Since(start)).
		Msg("Push completed")

	return &result, nil
}

// PullSince downloads changes the server recorded after the given watermark
func (s *HTTPStore) PullSince(ctx context.Context, since int64, limit int) (*PullResult, error) {
	url := fmt.Sprintf("%s?since=%d&limit=%d&device_id=%s", s.apiURL("/changes"), since, limit, s.deviceID)

	resp, err := s.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := s.handleResponse(resp); err != nil {
		return nil, err
	}

	var result PullResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewSyncError(CodeServerError, "malformed pull response", true, err)
	}

	return &result, nil
}

// Health checks server reachability
func (s *HTTPStore) Health(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, s.apiURL("/health"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return s.handleResponse(resp)
}

func (s *HTTPStore) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewSyncError(CodeUnreachable, "server unreachable", true, err)
	}

	return resp, nil
}

func (s *HTTPStore) handleResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var serverErr serverErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(data, &serverErr)

	message := serverErr.Message
	if message == "" {
		message = serverErr.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewSyncError(CodeUnauthorized, message, false, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewSyncError(CodeRateLimited, message, true, nil)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return NewSyncError(CodePayloadLimit, message, false, nil)
	case resp.StatusCode >= 500:
		return NewSyncError(CodeServerError, message, true, nil)
	default:
		if serverErr.Code != "" {
			return NewSyncError(serverErr.Code, message, serverErr.Retryable, nil)
		}
		return NewSyncError(CodeBadRequest, message, false, nil)
	}
}

// FromRecord converts a stored change record to its wire form
func FromRecord(rec *storage.ChangeRecord) Change {
	return Change{
		ID:         rec.ID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Op:         rec.Op,
		Payload:    json.RawMessage(rec.Payload),
		Version:    rec.Version,
		Checksum:   rec.Checksum,
		DeviceID:   rec.DeviceID,
		Timestamp:  rec.Timestamp,
	}
}
