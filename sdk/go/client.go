package schedlinesdk

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

// Client is a minimal Schedline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Schedule blocks for the whole
// run, so the timeout should exceed the server's run timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  5 * time.Minute,
	}
}

// System is the machine part of a description.
type System struct {
	TotalMemory    int `json:"totalMemory"`
	CpuCores       int `json:"cpuCores"`
	CriticalMemory int `json:"criticalMemory,omitempty"`
}

// ProcessSpec describes one process. IOInstructions are 1-based positions.
type ProcessSpec struct {
	ID                int   `json:"id"`
	Priority          int   `json:"priority"`
	MemoryRequirement int   `json:"memoryRequirement"`
	SafeMemoryLimit   int   `json:"safeMemoryLimit,omitempty"`
	Instructions      int   `json:"instructions"`
	IOInstructions    []int `json:"ioInstructions,omitempty"`
}

// ScheduleRequest is a system description plus per-run overrides.
type ScheduleRequest struct {
	System         System        `json:"system"`
	Processes      []ProcessSpec `json:"processes"`
	Clock          string        `json:"clock,omitempty"`
	Producers      *bool         `json:"producers,omitempty"`
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty"`
}

// Run summarises a recorded run.
type Run struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Clock      string `json:"clock"`
	RulesFired int    `json:"rules_fired"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Outcome is one classified scheduling event.
type Outcome struct {
	ProcessID *int   `json:"processId"`
	EventType string `json:"eventType"`
	Rule      string `json:"rule"`
	Seq       int    `json:"seq"`
}

// Process is a process in the final machine state (partial).
type Process struct {
	ID                 int    `json:"id"`
	Priority           int    `json:"priority"`
	Status             string `json:"status"`
	MemoryRequirement  int    `json:"memory_requirement"`
	CurrentInstruction int    `json:"current_instruction"`
}

// Snapshot is the final machine state (partial).
type Snapshot struct {
	System struct {
		AvailableMemory int  `json:"available_memory"`
		TotalMemory     int  `json:"total_memory"`
		CPUEnabled      bool `json:"cpu_enabled"`
	} `json:"system"`
	Processes []Process `json:"processes"`
}

type ScheduleResult struct {
	Run    Run `json:"run"`
	Report struct {
		Events     []Outcome `json:"events"`
		RulesFired int       `json:"rulesFired"`
	} `json:"report"`
	Snapshot Snapshot `json:"snapshot"`
}

// RunDetail is a stored run with its decoded documents.
type RunDetail struct {
	Run         Run              `json:"run"`
	Description *ScheduleRequest `json:"description,omitempty"`
	Snapshot    *Snapshot        `json:"snapshot,omitempty"`
}

// Event represents a persisted run event.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Rule      string         `json:"rule,omitempty"`
	ProcessID *int           `json:"process_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Schedule runs a system description and waits for its outcome.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	var resp ScheduleResult
	err := c.do(ctx, http.MethodPost, "schedule", req, &resp)
	return resp, err
}

// RunsPage lists runs newest first.
func (c *Client) RunsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedRuns, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp, err
}

// Run fetches a stored run.
func (c *Client) Run(ctx context.Context, id string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunEvents returns every event of a run, following cursors.
func (c *Client) RunEvents(ctx context.Context, id string) ([]Event, error) {
	var all []Event
	cursor := ""
	for {
		page, err := c.RunEventsPage(ctx, id, 200, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// RunEventsPage returns one page of a run's events.
func (c *Client) RunEventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("runs/"+url.PathEscape(id)+"/events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
