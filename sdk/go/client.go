package cutledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Cutledger HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run artifact model (partial).
type Run struct {
	RunID      string            `json:"run_id"`
	Kind       string            `json:"kind"`
	Status     string            `json:"status"`
	SessionID  string            `json:"session_id"`
	BatchLabel string            `json:"batch_label,omitempty"`
	MaterialID string            `json:"material_id,omitempty"`
	RiskLevel  string            `json:"risk_level,omitempty"`
	Score      float64           `json:"score"`
	Hashes     map[string]string `json:"hashes"`
	CreatedAt  string            `json:"created_at"`
}

// Attachment represents an appended attachment.
type Attachment struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Kind      string `json:"kind"`
	SHA256    string `json:"sha256"`
	CreatedAt string `json:"created_at"`
}

// DiffResult is the artifact-to-artifact comparison.
type DiffResult struct {
	ChangedFields []struct {
		Field  string `json:"field"`
		AValue string `json:"a_value"`
		BValue string `json:"b_value"`
	} `json:"changed_fields"`
	Summary struct {
		ChangedCount int `json:"changed_count"`
	} `json:"summary"`
}

// PaginatedRuns wraps list responses with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun submits a run for scoring and persistence.
func (c *Client) CreateRun(ctx context.Context, kind, sessionID string, payload any) (Run, error) {
	body := map[string]any{
		"kind":       kind,
		"session_id": sessionID,
		"payload":    payload,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", body, &resp)
	return resp, err
}

// GetRun fetches one run artifact.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns a paginated run listing.
func (c *Client) ListRuns(ctx context.Context, sessionID string, limit int, cursor string) (PaginatedRuns, error) {
	params := url.Values{}
	if sessionID != "" {
		params.Set("session_id", sessionID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := "runs"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DiffRuns compares two run artifacts.
func (c *Client) DiffRuns(ctx context.Context, aID, bID string) (DiffResult, error) {
	var resp DiffResult
	endpoint := fmt.Sprintf("runs/%s/diff/%s", url.PathEscape(aID), url.PathEscape(bID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Override attaches an export override to a risky run.
func (c *Client) Override(ctx context.Context, runID, operator, reason, scope string) (Attachment, error) {
	body := map[string]any{
		"operator": operator,
		"reason":   reason,
		"scope":    scope,
	}
	var resp struct {
		AttachmentID string `json:"attachment_id"`
	}
	endpoint := fmt.Sprintf("runs/%s/override", url.PathEscape(runID))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return Attachment{}, err
	}
	return Attachment{ID: resp.AttachmentID, RunID: runID, Kind: "override"}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
