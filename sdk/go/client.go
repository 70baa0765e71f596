package stagelinesdk

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
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Stage runs can take minutes, so
// the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  2 * time.Hour,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID                 int64    `json:"id"`
	Kind               string   `json:"kind"`
	Title              string   `json:"title"`
	Body               string   `json:"body,omitempty"`
	Status             string   `json:"status"`
	Priority           int      `json:"priority"`
	ProjectPath        string   `json:"project_path,omitempty"`
	ParentID           *int64   `json:"parent_id,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	LastError          string   `json:"last_error,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// Run is one stage attempt.
type Run struct {
	ID         int64  `json:"id"`
	WorkItemID int64  `json:"work_item_id"`
	Stage      string `json:"stage"`
	ProfileID  string `json:"profile_id"`
	LogPath    string `json:"log_path"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	ErrorText  string `json:"error_text,omitempty"`
}

// Finding records a blocking verification failure.
type Finding struct {
	ID              int64   `json:"id"`
	WorkItemID      int64   `json:"work_item_id"`
	Severity        string  `json:"severity"`
	Title           string  `json:"title"`
	Blocking        bool    `json:"blocking"`
	ChildWorkItemID *int64  `json:"child_work_item_id,omitempty"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
}

// ItemDetail is an item with its children and findings.
type ItemDetail struct {
	Item     WorkItem   `json:"item"`
	Children []WorkItem `json:"children"`
	Findings []Finding  `json:"findings"`
}

// Outcome is the result of processing one item.
type Outcome struct {
	Item       WorkItem `json:"item"`
	Complexity string   `json:"complexity,omitempty"`
	Runs       []Run    `json:"runs,omitempty"`
	ChildID    *int64   `json:"child_id,omitempty"`
}

// DispatcherStatus mirrors the loop control surface.
type DispatcherStatus struct {
	Running             bool   `json:"running"`
	InFlight            bool   `json:"in_flight"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	OwnerID             string `json:"owner_id"`
	LastTickAt          string `json:"last_tick_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	Processed           int64  `json:"processed"`
}

// CreateItemRequest is the body of CreateItem.
type CreateItemRequest struct {
	Kind               string   `json:"kind,omitempty"`
	Title              string   `json:"title"`
	Body               string   `json:"body,omitempty"`
	RichBody           string   `json:"rich_body,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	ProjectPath        string   `json:"project_path,omitempty"`
	ParentID           *int64   `json:"parent_id,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsBusy reports whether err means the dispatcher already had an item in flight.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "dispatcher_busy"
}

// Status returns the dispatcher loop state.
func (c *Client) Status(ctx context.Context) (DispatcherStatus, error) {
	var resp DispatcherStatus
	err := c.do(ctx, http.MethodGet, "dispatcher", nil, &resp)
	return resp, err
}

// Start launches the periodic loop. A zero interval keeps the configured one.
func (c *Client) Start(ctx context.Context, pollInterval time.Duration) (DispatcherStatus, error) {
	endpoint := "dispatcher/start"
	if secs := int(pollInterval / time.Second); secs > 0 {
		endpoint = fmt.Sprintf("%s?poll_interval_seconds=%d", endpoint, secs)
	}
	var resp DispatcherStatus
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Stop halts the periodic loop.
func (c *Client) Stop(ctx context.Context) (DispatcherStatus, error) {
	var resp DispatcherStatus
	err := c.do(ctx, http.MethodPost, "dispatcher/stop", nil, &resp)
	return resp, err
}

// RunOnce claims and processes at most one item. It returns nil when the
// queue is empty.
func (c *Client) RunOnce(ctx context.Context) (*Outcome, error) {
	var resp struct {
		Claimed bool     `json:"claimed"`
		Outcome *Outcome `json:"outcome"`
	}
	if err := c.do(ctx, http.MethodPost, "dispatcher/run-once", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Claimed {
		return nil, nil
	}
	return resp.Outcome, nil
}

// RunItem processes one item by id.
func (c *Client) RunItem(ctx context.Context, id int64) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%d/run", id), nil, &resp)
	return resp, err
}

// CreateItem enqueues a work item.
func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", req, &resp)
	return resp, err
}

// GetItem fetches an item with children and findings.
func (c *Client) GetItem(ctx context.Context, id int64) (ItemDetail, error) {
	var resp ItemDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("items/%d", id), nil, &resp)
	return resp, err
}

// ListItems lists items, optionally filtered by status.
func (c *Client) ListItems(ctx context.Context, status string, limit int) ([]WorkItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Requeue returns a failed, needs_input or blocked item to the queue.
func (c *Client) Requeue(ctx context.Context, id int64) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%d/requeue", id), nil, &resp)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
