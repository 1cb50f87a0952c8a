// Package cloud is the HTTP client for the cloud side of the platform:
// settings and history uploads, approved-command sharing, and the liveness
// probe the sync service uses to decide whether the cloud is reachable.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Timeouts per the cloud contract: uploads may carry real payloads, the
// probe must answer fast or the cloud is treated as down.
const (
	UploadTimeout = 30 * time.Second
	ProbeTimeout  = 5 * time.Second
)

// maxResponseBytes bounds how much of a cloud response is read.
const maxResponseBytes = 4 << 20

// SettingsResult is the cloud's answer to a settings upload.
type SettingsResult struct {
	Success   bool   `json:"success"`
	UpdatedAt string `json:"updated_at"`
}

// HistoryResult is the cloud's answer to a history batch upload.
type HistoryResult struct {
	Success     bool `json:"success"`
	SyncedCount int  `json:"synced_count"`
	Total       int  `json:"total"`
}

// SharedCommand is one approved command offered to the cloud library.
type SharedCommand struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Category          string `json:"category,omitempty"`
	Content           string `json:"content"`
	AuthorUsername    string `json:"author_username,omitempty"`
	AuthorEmail       string `json:"author_email,omitempty"`
	EdgeID            string `json:"edge_id"`
	OriginalCommandID string `json:"original_command_id"`
	Version           int    `json:"version,omitempty"`
}

// UploadResult is the cloud's answer to a shared-command upload.
type UploadResult struct {
	Success bool `json:"success"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Client talks to the cloud API with a bearer JWT. Zero-value is not
// usable; construct with New.
type Client struct {
	baseURL string
	token   string
	edgeID  string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Client for the given cloud base URL. token is the bearer
// JWT presented on every call; edgeID identifies this edge node in upload
// bodies.
func New(baseURL, token, edgeID string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		edgeID:  edgeID,
		client:  &http.Client{},
		logger:  logger.Named("cloud"),
	}
}

// EdgeID returns the edge node identity this client uploads as.
func (c *Client) EdgeID() string { return c.edgeID }

// UploadSettings pushes one user's settings to the cloud.
func (c *Client) UploadSettings(ctx context.Context, userID string, settings map[string]any) (*SettingsResult, error) {
	body := map[string]any{
		"settings": settings,
		"edge_id":  c.edgeID,
	}
	var out SettingsResult
	if err := c.post(ctx, "/settings/"+userID, body, UploadTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadHistory pushes a batch of command history records for one user.
func (c *Client) UploadHistory(ctx context.Context, userID string, records []map[string]any) (*HistoryResult, error) {
	body := map[string]any{
		"records": records,
		"edge_id": c.edgeID,
	}
	var out HistoryResult
	if err := c.post(ctx, "/history/"+userID, body, UploadTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadSharedCommand offers one approved command to the cloud library.
func (c *Client) UploadSharedCommand(ctx context.Context, cmd SharedCommand) (*UploadResult, error) {
	cmd.EdgeID = c.edgeID
	var out UploadResult
	if err := c.post(ctx, "/shared_commands/upload", cmd, UploadTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe checks cloud liveness with a cheap GET. A nil error means the
// cloud answered 2xx inside the probe timeout.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/shared_commands/categories", nil)
	if err != nil {
		return fmt.Errorf("cloud: building probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloud: probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloud: probe answered %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, timeout time.Duration, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cloud: encoding %s body: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("cloud: building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloud: %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("cloud: reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloud: %s answered %d: %s", path, resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("cloud: decoding %s response: %w", path, err)
		}
	}
	return nil
}
