package clawgatesdk

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

// Client is a minimal Clawgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Decision is the guard's answer for one origin.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

// Threat describes one detector match in scanned content.
type Threat struct {
	Kind      string `json:"kind"`
	PatternID string `json:"pattern_id"`
	Severity  string `json:"severity"`
	Span      string `json:"span"`
}

// Verdict is the filter's assessment of a piece of content.
type Verdict struct {
	Flagged    bool     `json:"flagged"`
	Threats    []Threat `json:"threats,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Draft represents a staged write action awaiting confirmation.
type Draft struct {
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	Payload   string `json:"payload,omitempty"`
	Origin    string `json:"origin"`
	Status    string `json:"status"`
	HighRisk  bool   `json:"high_risk"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
	UpdatedAt string `json:"updated_at"`
}

// Outcome is the pipeline's decision for a submitted request.
type Outcome struct {
	Decision string  `json:"decision"`
	Verdict  Verdict `json:"verdict"`
	Draft    *Draft  `json:"draft,omitempty"`
}

// ChallengeIssued reports a delivered challenge. Passwords travel only over
// the out-of-band channels and are never in this response.
type ChallengeIssued struct {
	TaskID    string           `json:"task_id"`
	Stage     string           `json:"stage"`
	ExpiresAt string           `json:"expires_at"`
	Delivery  []DeliveryStatus `json:"delivery"`
}

// DeliveryStatus reports whether one channel accepted its secret.
type DeliveryStatus struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Authorize asks the guard whether an origin may issue commands.
func (c *Client) Authorize(ctx context.Context, command, origin string) (Decision, error) {
	body := map[string]any{
		"command": command,
		"origin":  origin,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/authorize", body, &resp)
	return resp, err
}

// Sanitize scans content for manipulation patterns.
func (c *Client) Sanitize(ctx context.Context, content, contextLabel string) (Verdict, error) {
	body := map[string]any{
		"content": content,
		"context": contextLabel,
	}
	var resp struct {
		Verdict Verdict `json:"verdict"`
	}
	err := c.do(ctx, http.MethodPost, "v0/sanitize", body, &resp)
	return resp.Verdict, err
}

// Submit runs a request through the full pipeline.
func (c *Client) Submit(ctx context.Context, action, payload, origin, contextLabel string) (Outcome, error) {
	body := map[string]any{
		"action":  action,
		"payload": payload,
		"origin":  origin,
		"context": contextLabel,
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetDraft fetches a draft by task ID.
func (c *Client) GetDraft(ctx context.Context, taskID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/drafts/%s", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// ListDrafts lists drafts, optionally filtered by status.
func (c *Client) ListDrafts(ctx context.Context, status string) ([]Draft, error) {
	endpoint := "v0/drafts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Draft
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RejectDraft rejects a pending draft.
func (c *Client) RejectDraft(ctx context.Context, taskID, reason string) (Draft, error) {
	body := map[string]any{"reason": reason}
	var resp Draft
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/drafts/%s/reject", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// ReleaseDraft releases a confirmed draft to the executor.
func (c *Client) ReleaseDraft(ctx context.Context, taskID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/drafts/%s/release", url.PathEscape(taskID)), map[string]any{}, &resp)
	return resp, err
}

// IssueChallenge generates a password pair for a draft and delivers it over
// both configured channels.
func (c *Client) IssueChallenge(ctx context.Context, taskID, stage string) (ChallengeIssued, error) {
	body := map[string]any{"stage": stage}
	var resp ChallengeIssued
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/drafts/%s/challenge", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// Verify submits both passwords for a draft's challenge.
func (c *Client) Verify(ctx context.Context, taskID, passwordA, passwordB string) (bool, error) {
	body := map[string]any{
		"password_a": passwordA,
		"password_b": passwordB,
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/drafts/%s/verify", url.PathEscape(taskID)), body, &resp)
	return resp.Valid, err
}

// Events tails the audit log.
func (c *Client) Events(ctx context.Context, n int, evtType string) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?n=%d", n)
	if evtType != "" {
		endpoint += "&type=" + url.QueryEscape(evtType)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
