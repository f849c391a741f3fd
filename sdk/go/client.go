package casetrailsdk

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

// Client is a minimal Casetrail HTTP API client.
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
		Timeout: 30 * time.Second,
	}
}

// BusinessCase mirrors the API case model (partial).
type BusinessCase struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	OwnerID          string   `json:"owner_id"`
	Title            string   `json:"title"`
	ProblemStatement string   `json:"problem_statement"`
	RelevantLinks    []string `json:"relevant_links,omitempty"`
	Version          int64    `json:"version"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// Draft is a PRD or system design section.
type Draft struct {
	CaseID          string `json:"case_id"`
	Kind            string `json:"kind"`
	ContentMarkdown string `json:"content_markdown"`
	GeneratedBy     string `json:"generated_by,omitempty"`
	Version         int64  `json:"version"`
}

// HistoryEntry is one audit log record.
type HistoryEntry struct {
	ID          int64          `json:"id"`
	CaseID      string         `json:"case_id"`
	TS          string         `json:"ts"`
	Source      string         `json:"source"`
	MessageType string         `json:"message_type"`
	Content     map[string]any `json:"content"`
	ActorID     string         `json:"actor_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps case listings with a cursor.
type PaginatedCases struct {
	Items      []BusinessCase `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// PaginatedHistory wraps history listings with a cursor.
type PaginatedHistory struct {
	Items      []HistoryEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// CreateCase starts a new business case in intake.
func (c *Client) CreateCase(ctx context.Context, title, problemStatement string, links []string) (BusinessCase, error) {
	body := map[string]any{
		"title":             title,
		"problem_statement": problemStatement,
	}
	if len(links) > 0 {
		body["relevant_links"] = links
	}
	var resp BusinessCase
	err := c.do(ctx, http.MethodPost, "cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (BusinessCase, error) {
	var resp BusinessCase
	err := c.do(ctx, http.MethodGet, c.casePath(id, ""), nil, &resp)
	return resp, err
}

// ListCases returns a page of cases.
func (c *Client) ListCases(ctx context.Context, status string, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "cases"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns a page of a case's audit log, newest first.
func (c *Client) History(ctx context.Context, caseID string, limit int, cursor int64) (PaginatedHistory, error) {
	endpoint := c.casePath(caseID, "history")
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Actions lists actions the caller may perform on the case right now.
func (c *Client) Actions(ctx context.Context, caseID string) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "actions"), nil, &resp)
	return resp.Actions, err
}

// GeneratePRD kicks off PRD drafting for an intake case.
func (c *Client) GeneratePRD(ctx context.Context, caseID string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, "prd/generate", version)
}

// GetDraft fetches the PRD or system design section.
// Section is "prd" or "system-design".
func (c *Client) GetDraft(ctx context.Context, caseID, section string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, section), nil, &resp)
	return resp, err
}

// UpdateDraft replaces the draft content for a section.
func (c *Client) UpdateDraft(ctx context.Context, caseID, section, contentMarkdown string, version int64) (BusinessCase, error) {
	body := map[string]any{"content_markdown": contentMarkdown}
	if version > 0 {
		body["version"] = version
	}
	var resp BusinessCase
	err := c.do(ctx, http.MethodPut, c.casePath(caseID, section), body, &resp)
	return resp, err
}

// Submit sends a section for review. Section is one of prd, system-design,
// effort-estimate, cost-estimate, value-projection.
func (c *Client) Submit(ctx context.Context, caseID, section string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, section+"/submit", version)
}

// Approve accepts a section under review.
func (c *Client) Approve(ctx context.Context, caseID, section string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, section+"/approve", version)
}

// Reject sends a section back to its editable state.
func (c *Client) Reject(ctx context.Context, caseID, section string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, section+"/reject", version)
}

// SubmitFinalApproval sends the case to the final approver.
func (c *Client) SubmitFinalApproval(ctx context.Context, caseID string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, "submit-final-approval", version)
}

// ApproveFinal records the final sign-off.
func (c *Client) ApproveFinal(ctx context.Context, caseID string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, "final/approve", version)
}

// RejectFinal records a terminal rejection.
func (c *Client) RejectFinal(ctx context.Context, caseID string, version int64) (BusinessCase, error) {
	return c.act(ctx, caseID, "final/reject", version)
}

// Retry re-runs the agent for the case's current stage.
func (c *Client) Retry(ctx context.Context, caseID string) (BusinessCase, error) {
	var resp BusinessCase
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "retry"), map[string]any{}, &resp)
	return resp, err
}

// Export downloads the consolidated case document as markdown.
func (c *Client) Export(ctx context.Context, caseID string) (string, error) {
	var buf bytes.Buffer
	if err := c.doRaw(ctx, http.MethodGet, c.casePath(caseID, "export"), nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Client) act(ctx context.Context, caseID, action string, version int64) (BusinessCase, error) {
	body := map[string]any{}
	if version > 0 {
		body["version"] = version
	}
	var resp BusinessCase
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, action), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if err := c.doRaw(ctx, method, endpoint, body, &buf); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(&buf).Decode(out)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body any, out io.Writer) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
	_, err = io.Copy(out, resp.Body)
	return err
}

func (c *Client) casePath(caseID, sub string) string {
	p := fmt.Sprintf("cases/%s", url.PathEscape(caseID))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
