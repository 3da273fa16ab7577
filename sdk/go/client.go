package shipyardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Shipyard HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Certification is the API certification model (partial).
type Certification struct {
	ID            int64    `json:"id"`
	OriginID      string   `json:"origin_id"`
	ProjectName   string   `json:"project_name"`
	ProjectType   *string  `json:"project_type,omitempty"`
	RepoURL       string   `json:"repo_url"`
	Status        string   `json:"status"`
	ClaimantID    *string  `json:"claimant_id,omitempty"`
	ReviewerID    *string  `json:"reviewer_id,omitempty"`
	Feedback      *string  `json:"feedback,omitempty"`
	CookiesEarned *float64 `json:"cookies_earned,omitempty"`
	DuplicateOfID *int64   `json:"duplicate_of_id,omitempty"`
	DevTime       string   `json:"dev_time"`
}

// ClaimStatus describes who holds a certification.
type ClaimStatus struct {
	CertificationID int64   `json:"certification_id"`
	Held            bool    `json:"held"`
	Holder          *string `json:"holder,omitempty"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CanEdit         bool    `json:"can_edit"`
}

// Warning reports a post-commit effect that failed. The decision itself
// stands.
type Warning struct {
	Step    string `json:"step"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Decision is the body of a verdict or side-channel edit.
type Decision struct {
	Verdict     string   `json:"verdict,omitempty"`
	Feedback    string   `json:"feedback,omitempty"`
	ProofURL    string   `json:"proof_url,omitempty"`
	ProjectType *string  `json:"project_type,omitempty"`
	Bounty      *float64 `json:"bounty,omitempty"`
	ClearBounty bool     `json:"clear_bounty,omitempty"`
}

// DecisionResult is the outcome of Decide.
type DecisionResult struct {
	Certification Certification `json:"certification"`
	Kind          string        `json:"kind"`
	Override      bool          `json:"override"`
	Warnings      []Warning     `json:"warnings"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Me is the authenticated principal.
type Me struct {
	ActorID     string   `json:"actor_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsLocked reports whether err is a claim held by someone else.
func IsLocked(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "locked_by_other"
}

// PaginatedCertifications wraps list responses with cursors.
type PaginatedCertifications struct {
	Items      []Certification `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Certifications lists certifications by status, one page at a time.
func (c *Client) Certifications(ctx context.Context, status string, limit int, cursor string) (PaginatedCertifications, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedCertifications
	err := c.do(ctx, http.MethodGet, withQuery("certifications", q), nil, &resp)
	return resp, err
}

// Certification fetches one certification.
func (c *Client) Certification(ctx context.Context, id int64) (Certification, error) {
	var resp Certification
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("certifications/%d", id), nil, &resp)
	return resp, err
}

// Claim takes or refreshes the claim on a certification.
func (c *Client) Claim(ctx context.Context, id int64) (ClaimStatus, error) {
	var resp ClaimStatus
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("certifications/%d/claim", id), nil, &resp)
	return resp, err
}

// Release drops the claim on a certification.
func (c *Client) Release(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("certifications/%d/claim", id), nil, nil)
}

// Decide records a verdict or side-channel edit.
func (c *Client) Decide(ctx context.Context, id int64, d Decision) (DecisionResult, error) {
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("certifications/%d/decision", id), d, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
	}
	return ae
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
