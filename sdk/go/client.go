package vaultlinesdk

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

// Client is a minimal vaultline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Title     string    `json:"title,omitempty"`
	Priority  string    `json:"priority"`
	Stage     string    `json:"stage"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalRequest is a proposed action awaiting or past a decision.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	PlanID      string         `json:"plan_id"`
	ActionKind  string         `json:"action_kind"`
	Amount      float64        `json:"amount,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestedBy string         `json:"requested_by"`
	Executor    string         `json:"executor"`
	Decision    string         `json:"decision"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Stage       string         `json:"stage"`
	Body        string         `json:"body,omitempty"`
}

// AuditRecord is one audit log entry.
type AuditRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Status is the caller's identity plus a vault snapshot.
type Status struct {
	Role      string `json:"role"`
	Actor     string `json:"actor"`
	HighTrust bool   `json:"high_trust"`
	Snapshot  struct {
		GeneratedAt time.Time         `json:"generated_at"`
		Counts      map[string]int    `json:"counts"`
		InProgress  map[string]int    `json:"in_progress"`
		Pending     []ApprovalRequest `json:"pending"`
		Recent      []AuditRecord     `json:"recent"`
	} `json:"snapshot"`
}

// LedgerEntry is one booking made by an executed request.
type LedgerEntry struct {
	RequestID  string    `json:"request_id"`
	TaskID     string    `json:"task_id"`
	ActionKind string    `json:"action_kind"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency,omitempty"`
	Partner    string    `json:"partner,omitempty"`
	Memo       string    `json:"memo,omitempty"`
	ApprovedBy string    `json:"approved_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// PaginatedLedger wraps ledger listings with a cursor.
type PaginatedLedger struct {
	Items      []LedgerEntry `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTaskInput holds the fields of a new task. ID is optional.
type CreateTaskInput struct {
	ID       string `json:"id,omitempty"`
	Channel  string `json:"channel"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// CreateTask deposits a task in Needs_Action.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// Tasks lists tasks in a stage; an empty stage means needs_action.
func (c *Client) Tasks(ctx context.Context, stage string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", url.Values{"stage": {stage}}), nil, &resp)
	return resp, err
}

// Replan reopens a task whose request was rejected.
func (c *Client) Replan(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/replan", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Approvals lists requests in a stage; an empty stage means pending_approval.
func (c *Client) Approvals(ctx context.Context, stage string) ([]ApprovalRequest, error) {
	var resp []ApprovalRequest
	err := c.do(ctx, http.MethodGet, withQuery("approvals", url.Values{"stage": {stage}}), nil, &resp)
	return resp, err
}

// Approval fetches one request by id.
func (c *Client) Approval(ctx context.Context, id string) (ApprovalRequest, error) {
	var resp ApprovalRequest
	err := c.do(ctx, http.MethodGet, "approvals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve approves a pending request.
func (c *Client) Approve(ctx context.Context, id string) (ApprovalRequest, error) {
	return c.decide(ctx, id, "approved", "")
}

// Reject rejects a pending request. A reason is required.
func (c *Client) Reject(ctx context.Context, id, reason string) (ApprovalRequest, error) {
	return c.decide(ctx, id, "rejected", reason)
}

func (c *Client) decide(ctx context.Context, id, decision, reason string) (ApprovalRequest, error) {
	body := map[string]any{"decision": decision}
	if reason != "" {
		body["reason"] = reason
	}
	var resp ApprovalRequest
	endpoint := fmt.Sprintf("approvals/%s/decision", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Audit returns the last limit records, optionally for one document.
func (c *Client) Audit(ctx context.Context, limit int, target string) ([]AuditRecord, error) {
	q := url.Values{"target": {target}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp, err
}

// Status returns the caller's identity and a vault snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// LedgerPage returns one page of ledger entries, newest first.
func (c *Client) LedgerPage(ctx context.Context, limit int, cursor string) (PaginatedLedger, error) {
	q := url.Values{"cursor": {cursor}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp PaginatedLedger
	err := c.do(ctx, http.MethodGet, withQuery("ledger", q), nil, &resp)
	return resp, err
}

// withQuery appends the non-empty values of q to endpoint.
func withQuery(endpoint string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
