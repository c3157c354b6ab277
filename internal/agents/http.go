package agents

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

	"job-orchestrator/internal/models"
)

// HTTPClient is the out-of-process counterpart of BusClient. It discovers work through the
// API's feed endpoint.
type HTTPClient struct {
	base string
	name string
	http *http.Client
}

func NewHTTPClient(baseURL, name string) *HTTPClient {
	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		name: name,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) Name() string { return c.name }

// NextJob leases the next open job for skill. ok is false when the feed is empty.
func (c *HTTPClient) NextJob(ctx context.Context, skill string) (job models.Job, ok bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/feed/"+url.PathEscape(skill)+"/next", nil)
	if err != nil {
		return models.Job{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return models.Job{}, false, nil
	}
	if err := c.check(resp); err != nil {
		return models.Job{}, false, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	return job, true, nil
}

func (c *HTTPClient) ClaimJob(ctx context.Context, jobID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/claim", map[string]string{"agent": c.name})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.check(resp)
}

func (c *HTTPClient) SubmitResult(ctx context.Context, jobID string, result models.Result) error {
	body := map[string]any{"agent": c.name, "result": result}
	resp, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/result", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.check(resp)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Agent-ID", c.name)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// RateLimitedError is returned on HTTP 429 so callers can back off.
type RateLimitedError struct{ Path string }

func (e *RateLimitedError) Error() string { return "rate limited: " + e.Path }

func (c *HTTPClient) check(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{Path: resp.Request.URL.Path}
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("status %d: %w", resp.StatusCode, decisionError(body.Error))
}
