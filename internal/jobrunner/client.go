// Package jobrunner is the HTTP client for the external isolated job
// executor. Job execution itself never happens in this process.
package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CreatedJob is the executor's answer to a dispatch request.
type CreatedJob struct {
	JobID  string `json:"job_id"`
	Branch string `json:"branch"`
}

// Status describes a running or finished job.
type Status struct {
	JobID       string `json:"job_id"`
	State       string `json:"state"`
	CurrentStep string `json:"current_step"`
	StartedAt   string `json:"started_at"`
	RunURL      string `json:"run_url"`
}

// Runner is the job-creation collaborator contract.
type Runner interface {
	CreateJob(ctx context.Context, description string) (CreatedJob, error)
	JobStatus(ctx context.Context, jobID string) ([]Status, error)
}

// Client talks JSON over HTTP to the job executor service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a job-runner client.
func NewClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("client", "jobrunner")),
	}
}

type createJobRequest struct {
	Description string `json:"description"`
}

// CreateJob dispatches a new background job and returns its ID and branch.
func (c *Client) CreateJob(ctx context.Context, description string) (CreatedJob, error) {
	payload, err := json.Marshal(createJobRequest{Description: description})
	if err != nil {
		return CreatedJob{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return CreatedJob{}, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	var created CreatedJob
	if err := c.do(req, &created); err != nil {
		return CreatedJob{}, err
	}
	if created.JobID == "" {
		return CreatedJob{}, fmt.Errorf("executor returned no job id")
	}
	return created, nil
}

// JobStatus lists active runs, optionally filtered to one job ID.
func (c *Client) JobStatus(ctx context.Context, jobID string) ([]Status, error) {
	endpoint := c.baseURL + "/jobs/status"
	if jobID = strings.TrimSpace(jobID); jobID != "" {
		endpoint += "?job_id=" + url.QueryEscape(jobID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	var statuses []Status
	if err := c.do(req, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executor request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("executor returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
