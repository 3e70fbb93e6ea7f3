package budgetlinesdk

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

// Client is a minimal Budgetline HTTP API client.
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

// Case represents the API spending-case model (partial).
type Case struct {
	ID              string `json:"id"`
	Reference       string `json:"reference"`
	UniteID         string `json:"unite_id"`
	Exercice        int    `json:"exercice"`
	Objet           string `json:"objet"`
	CurrentStage    string `json:"current_stage"`
	Status          string `json:"status"`
	EstimatedAmount *int64 `json:"estimated_amount,omitempty"`
	PaidAmount      *int64 `json:"paid_amount,omitempty"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	LastUpdate      string `json:"last_update"`
}

// Step is the status record of one pipeline stage.
type Step struct {
	Stage       string  `json:"stage"`
	Status      string  `json:"status"`
	EntityID    *string `json:"entity_id,omitempty"`
	Amount      *int64  `json:"amount,omitempty"`
	ValidatorID *string `json:"validator_id,omitempty"`
	ValidatedAt *string `json:"validated_at,omitempty"`
	Motif       *string `json:"motif,omitempty"`
}

// HistoryEntry is one line of the case timeline.
type HistoryEntry struct {
	ID      int64  `json:"id"`
	CaseID  string `json:"case_id"`
	Action  string `json:"action"`
	Stage   string `json:"stage"`
	ActorID string `json:"actor_id"`
	Detail  string `json:"detail,omitempty"`
	TS      string `json:"ts"`
}

// Status is the workflow status report for a case.
type Status struct {
	Exists           bool           `json:"exists"`
	CaseID           string         `json:"case_id"`
	CurrentStage     string         `json:"current_stage,omitempty"`
	Status           string         `json:"status,omitempty"`
	WorkflowComplete bool           `json:"workflow_complete"`
	AvailableActions []string       `json:"available_actions,omitempty"`
	Steps            []Step         `json:"steps,omitempty"`
	History          []HistoryEntry `json:"history,omitempty"`
}

// ActionResult is the outcome of an applied workflow action.
type ActionResult struct {
	Case             Case   `json:"case"`
	NewStage         string `json:"new_stage"`
	WorkflowComplete bool   `json:"workflow_complete"`
}

// ActionOptions carries the optional attributes of a workflow action.
type ActionOptions struct {
	Motif      string `json:"motif,omitempty"`
	ResumeDate string `json:"resume_date,omitempty"`
	DelegateTo string `json:"delegate_to,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Amount     *int64 `json:"amount,omitempty"`
}

// Event represents a change-log entry. The payload is the raw JSON document
// recorded with the event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	UniteID    string `json:"unite_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Stats carries dashboard badge counts.
type Stats struct {
	UniteID  string         `json:"unite_id"`
	ByStage  map[string]int `json:"by_stage"`
	ByStatus map[string]int `json:"by_status"`
}

// PaginatedCases wraps case listings with a cursor.
type PaginatedCases struct {
	Items      []Case `json:"items"`
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

// CreateCase creates a spending case in draft.
func (c *Client) CreateCase(ctx context.Context, objet string, estimatedAmount *int64) (Case, error) {
	body := map[string]any{"objet": objet}
	if estimatedAmount != nil {
		body["estimated_amount"] = *estimatedAmount
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v1/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCases returns a page of cases.
func (c *Client) ListCases(ctx context.Context, limit int, cursor string) (PaginatedCases, error) {
	endpoint := "v1/cases"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Start launches the workflow for a case.
func (c *Client) Start(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

// Status reports the workflow state and available actions for the caller.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v1/cases/"+url.PathEscape(id)+"/status", nil, &resp)
	return resp, err
}

// Act applies one workflow action (validate, defer, reject, return, comment,
// delegate, request_info, cancel).
func (c *Client) Act(ctx context.Context, id, action string, opts ActionOptions) (ActionResult, error) {
	body := map[string]any{"action": action}
	if opts.Motif != "" {
		body["motif"] = opts.Motif
	}
	if opts.ResumeDate != "" {
		body["resume_date"] = opts.ResumeDate
	}
	if opts.DelegateTo != "" {
		body["delegate_to"] = opts.DelegateTo
	}
	if opts.EntityID != "" {
		body["entity_id"] = opts.EntityID
	}
	if opts.Amount != nil {
		body["amount"] = *opts.Amount
	}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "v1/cases/"+url.PathEscape(id)+"/actions", body, &resp)
	return resp, err
}

// Resume lifts a deferred block and puts the case back in progress.
func (c *Client) Resume(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// History returns the case timeline.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, "v1/cases/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

// Events returns change events, ascending from the given cursor when after>0,
// newest first otherwise.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v1/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns case counts per stage and status.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v1/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
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
