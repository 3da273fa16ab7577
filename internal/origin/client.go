// Package origin talks to the external project platform: verdict sync and
// activity (devlog) lookup.
package origin

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

// Verdict is the payload pushed back to the origin platform.
type Verdict struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	VideoURL    string  `json:"video_url,omitempty"`
	ProjectType *string `json:"project_type,omitempty"`
}

// Devlog is one activity entry logged against a project.
type Devlog struct {
	ID              int64  `json:"id"`
	Body            string `json:"body"`
	DurationSeconds int    `json:"duration_seconds"`
	CreatedAt       string `json:"created_at"`
}

type Config struct {
	BaseURL        string
	ActivityURL    string
	APIKey         string
	ActivityAPIKey string
	Timeout        time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.Status, e.Body)
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.ActivityURL = strings.TrimRight(cfg.ActivityURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// SyncEnabled reports whether verdict sync is configured.
func (c *Client) SyncEnabled() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

// ActivityEnabled reports whether devlog lookup is configured.
func (c *Client) ActivityEnabled() bool {
	return c.cfg.ActivityURL != "" && c.cfg.ActivityAPIKey != ""
}

// SyncVerdict posts a verdict to the origin webhook.
func (c *Client) SyncVerdict(ctx context.Context, v Verdict) error {
	if !c.SyncEnabled() {
		return fmt.Errorf("origin sync not configured")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	endpoint := c.cfg.BaseURL + "/webhooks/ship_cert"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sync verdict %s: %w", v.ID, err)
	}
	defer resp.Body.Close()
	return checkStatus(endpoint, resp)
}

// FetchActivity returns the devlogs recorded for an origin project.
func (c *Client) FetchActivity(ctx context.Context, originID string) ([]Devlog, error) {
	if !c.ActivityEnabled() {
		return nil, fmt.Errorf("activity lookup not configured")
	}
	endpoint := c.cfg.ActivityURL + "/api/v1/projects/" + url.PathEscape(originID) + "/devlogs"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ActivityAPIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch devlogs %s: %w", originID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(endpoint, resp); err != nil {
		return nil, err
	}
	var out struct {
		Devlogs []Devlog `json:"devlogs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode devlogs %s: %w", originID, err)
	}
	return out.Devlogs, nil
}

func checkStatus(endpoint string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{URL: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
