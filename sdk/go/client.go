package fazsdk

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

// Client is a minimal Faz HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID         string  `json:"id"`
	OwnerID    string  `json:"owner_id,omitempty"`
	Name       string  `json:"name"`
	Brief      string  `json:"brief,omitempty"`
	Phase      string  `json:"phase"`
	PhaseIndex int     `json:"phase_index"`
	Status     string  `json:"status"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
	Error      string  `json:"error,omitempty"`
}

// Run represents one agent invocation.
type Run struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	AgentKind  string  `json:"agent_kind"`
	Phase      string  `json:"phase"`
	PhaseIndex int     `json:"phase_index"`
	Status     string  `json:"status"`
	Summary    string  `json:"summary,omitempty"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Gate represents an approval checkpoint.
type Gate struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	GateNumber    int      `json:"gate_number"`
	Name          string   `json:"name"`
	Phase         string   `json:"phase"`
	PhaseIndex    int      `json:"phase_index"`
	ArtifactIDs   []string `json:"artifact_ids,omitempty"`
	Status        string   `json:"status"`
	Notes         string   `json:"notes,omitempty"`
	AutoApproveAt string   `json:"auto_approve_at,omitempty"`
	DecidedAt     string   `json:"decided_at,omitempty"`
}

// File represents one stored version of a generated file.
type File struct {
	ID            string `json:"id"`
	Path          string `json:"path"`
	Content       string `json:"content,omitempty"`
	ContentHash   string `json:"content_hash"`
	Version       int    `json:"version"`
	ParentVersion *int   `json:"parent_version,omitempty"`
	Status        string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project and points the client at it.
func (c *Client) CreateProject(ctx context.Context, name, brief string) (Project, error) {
	body := map[string]any{
		"name":  name,
		"brief": brief,
	}
	var resp Project
	if err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp); err != nil {
		return resp, err
	}
	if c.ProjectID == "" {
		c.ProjectID = resp.ID
	}
	return resp, nil
}

// GetProject fetches the project state.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// Start kicks off the pipeline. phase is optional and overrides the
// starting point when set.
func (c *Client) Start(ctx context.Context, phase string) (Project, error) {
	body := map[string]any{}
	if phase != "" {
		body["phase"] = phase
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("start"), body, &resp)
	return resp, err
}

// Pause stops dispatch after the in-flight run completes.
func (c *Client) Pause(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("pause"), nil, &resp)
	return resp, err
}

// Resume restarts dispatch on a paused project.
func (c *Client) Resume(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("resume"), nil, &resp)
	return resp, err
}

// Cancel terminates the project.
func (c *Client) Cancel(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("cancel"), nil, &resp)
	return resp, err
}

// Retry re-dispatches the phase a failed project stopped at.
func (c *Client) Retry(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("retry"), nil, &resp)
	return resp, err
}

// Gates lists the project's approval gates, oldest first.
func (c *Client) Gates(ctx context.Context) ([]Gate, error) {
	var resp []Gate
	err := c.do(ctx, http.MethodGet, c.projectPath("gates"), nil, &resp)
	return resp, err
}

// PendingGate returns the open gate, if any.
func (c *Client) PendingGate(ctx context.Context) (Gate, bool, error) {
	gates, err := c.Gates(ctx)
	if err != nil {
		return Gate{}, false, err
	}
	for _, g := range gates {
		if g.Status == "pending" {
			return g, true, nil
		}
	}
	return Gate{}, false, nil
}

// DecideGate records an approval decision. decision is approved,
// rejected, or revision_requested.
func (c *Client) DecideGate(ctx context.Context, gateID, decision, notes string) (Gate, error) {
	body := map[string]any{"decision": decision}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Gate
	endpoint := fmt.Sprintf("v0/gates/%s/decision", url.PathEscape(gateID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Runs lists agent runs, newest first.
func (c *Client) Runs(ctx context.Context, phase, status string, limit int) ([]Run, error) {
	endpoint := c.projectPath("runs")
	q := url.Values{}
	if phase != "" {
		q.Set("phase", phase)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Files lists current file versions. Set withContent to include bodies.
func (c *Client) Files(ctx context.Context, withContent bool) ([]File, error) {
	endpoint := c.projectPath("files")
	if withContent {
		endpoint += "?content=true"
	}
	var resp []File
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// FileVersions lists every stored version of one path, oldest first.
func (c *Client) FileVersions(ctx context.Context, path string) ([]File, error) {
	endpoint := c.projectPath("files/versions") + "?path=" + url.QueryEscape(path)
	var resp []File
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns events after the given sequence id. Pass 0 for the
// beginning of the log.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
