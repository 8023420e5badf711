package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/3leaps/godetonate/internal/errors"
	"github.com/3leaps/godetonate/internal/server/handlers"
)

// APIError is an error envelope returned by the control plane.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	if e.RequestID != "" {
		msg += " [request_id=" + e.RequestID + "]"
	}
	return msg
}

// ListOptions filters a job listing.
type ListOptions struct {
	States      []string
	Environment string
	SampleHash  string
	Limit       int
}

// Client calls the control plane job API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: server URL must be http or https, got %q", ErrInvalidURI, baseURL)
	}
	return &Client{baseURL: u, http: &http.Client{Timeout: timeout}}, nil
}

// Submit posts a detonation request.
func (c *Client) Submit(ctx context.Context, req handlers.SubmitRequest) (handlers.SubmitResponse, error) {
	var out handlers.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, req, &out)
	return out, err
}

// Get returns one job.
func (c *Client) Get(ctx context.Context, jobID string) (handlers.JobStatus, error) {
	var out handlers.JobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, nil, &out)
	return out, err
}

// List returns jobs matching opts, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) (handlers.ListResponse, error) {
	q := url.Values{}
	if len(opts.States) > 0 {
		q.Set("state", strings.Join(opts.States, ","))
	}
	if opts.Environment != "" {
		q.Set("environment", opts.Environment)
	}
	if opts.SampleHash != "" {
		q.Set("sample_hash", opts.SampleHash)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out handlers.ListResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &out)
	return out, err
}

// Cancel fails a live job and returns its final record.
func (c *Client) Cancel(ctx context.Context, jobID string) (handlers.JobStatus, error) {
	var out handlers.JobStatus
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil, &out)
	return out, err
}

// Delete removes a terminal job and its results.
func (c *Client) Delete(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil, nil)
}

// GC deletes terminal jobs older than retention. Zero uses the server
// default.
func (c *Client) GC(ctx context.Context, retention time.Duration) (handlers.GCResponse, error) {
	q := url.Values{}
	if retention > 0 {
		q.Set("retention", retention.String())
	}
	var out handlers.GCResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/gc", q, nil, &out)
	return out, err
}

// Summary returns the raw summary.json of a completed job.
func (c *Client) Summary(ctx context.Context, jobID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/summary", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env apperrors.HTTPErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.RequestID = env.Error.RequestID
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// clientExitCode maps a client failure to a process exit code.
func clientExitCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests {
			return ExitServiceUnavailable
		}
		return ExitInvalidArgument
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ExitServiceUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ExitServiceUnavailable
	}
	return ExitFailure
}
