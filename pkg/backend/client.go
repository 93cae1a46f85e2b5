// Package backend implements the client for the incident backend API. The
// backend is the single source of truth; everything this core holds is a
// local view reconciled against it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/types"
)

// Config for the backend client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client handles communication with the incident backend API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewClient creates a new backend API client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// BulkItemOutcome is the backend's per-id result for one bulk item. The
// updated incident snapshot is included for accepted non-delete items.
type BulkItemOutcome struct {
	ID       string          `json:"id"`
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Incident *types.Incident `json:"incident,omitempty"`
}

// ListIncidents fetches the authoritative incident list.
func (c *Client) ListIncidents(ctx context.Context) ([]*types.Incident, error) {
	var out []*types.Incident
	if err := c.do(ctx, http.MethodGet, "/incidents", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateIncident creates an incident. The idempotency key lets the backend
// deduplicate a replayed create: a duplicate key returns the original
// incident, not a second one.
func (c *Client) CreateIncident(ctx context.Context, idempotencyKey string, draft *types.IncidentDraft) (*types.Incident, error) {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	var out types.Incident
	if err := c.do(ctx, http.MethodPost, "/incidents", draft, &out, headers); err != nil {
		return nil, err
	}
	return &out, nil
}

type updateRequest struct {
	ExpectedVersion int64                `json:"expected_version"`
	Changes         *types.IncidentPatch `json:"changes"`
}

// UpdateIncident submits changed fields against an expected base version.
// A version mismatch returns a *types.ConflictError carrying the server's
// current incident.
func (c *Client) UpdateIncident(ctx context.Context, id string, baseVersion int64, patch *types.IncidentPatch) (*types.Incident, error) {
	body := updateRequest{ExpectedVersion: baseVersion, Changes: patch}
	var out types.Incident
	err := c.do(ctx, http.MethodPatch, "/incidents/"+id, body, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteIncident deletes an incident.
func (c *Client) DeleteIncident(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/incidents/"+id, nil, nil, nil)
}

// AgentPerformance fetches the raw submission history for one agent.
func (c *Client) AgentPerformance(ctx context.Context, agentID string) (*types.AgentPerformanceMetrics, error) {
	var out types.AgentPerformanceMetrics
	if err := c.do(ctx, http.MethodGet, "/agents/"+agentID+"/performance", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDevices fetches raw device records including heartbeat and open
// issues.
func (c *Client) ListDevices(ctx context.Context) ([]types.DeviceSnapshot, error) {
	var out []types.DeviceSnapshot
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

type bulkRequest struct {
	Operation types.BulkKind `json:"operation"`
	IDs       []string       `json:"ids"`
	Reason    string         `json:"reason,omitempty"`
	Status    string         `json:"status,omitempty"`
}

type bulkResponse struct {
	Results []BulkItemOutcome `json:"results"`
}

// BulkApply submits one bulk operation and returns the backend's per-id
// outcomes.
func (c *Client) BulkApply(ctx context.Context, kind types.BulkKind, ids []string, reason, status string) ([]BulkItemOutcome, error) {
	body := bulkRequest{Operation: kind, IDs: ids, Reason: reason, Status: status}
	var out bulkResponse
	if err := c.do(ctx, http.MethodPost, "/incidents/bulk", body, &out, nil); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// HealthCheck checks if the backend API is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// do performs one JSON round trip and maps HTTP failures onto the error
// taxonomy: transport errors and 5xx become ErrRemoteUnavailable, 404
// becomes ErrNotFound, 409 decodes the server's incident into a
// ConflictError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, headers map[string]string) error {
	if c.endpoint == "" {
		return fmt.Errorf("backend client not configured")
	}

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	url := c.endpoint + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		c.log.WithFields(logrus.Fields{
			"method": method, "path": path, "status": resp.StatusCode,
		}).Debug("Backend request succeeded")
		return nil

	case resp.StatusCode == http.StatusConflict:
		var server types.Incident
		if err := json.NewDecoder(resp.Body).Decode(&server); err != nil {
			return fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &types.ConflictError{Server: &server}

	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, types.ErrNotFound)

	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: backend returned status %d", types.ErrRemoteUnavailable, resp.StatusCode)

	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
