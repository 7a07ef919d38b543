package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

// requestTimeout bounds every call end to end, including the body read.
const requestTimeout = 10 * time.Second

// Client is a typed HTTP client for the pluvio API, used by the CLI and
// by integration tests. Methods are safe for concurrent use.
type Client struct {
	base string
	http *http.Client
}

// APIError is a non-2xx response decoded into its error body.
type APIError struct {
	StatusCode int
	Code       string
	Details    any
	RetryAfter int
}

// Error renders the machine code plus retry hint when present.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("api error %d: %s", e.StatusCode, e.Code)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return msg
}

// New builds a client against baseURL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// SubmitEvents posts a batch to /v1/events. All events are accepted or
// none are; rejections come back as *APIError with the rule details.
func (c *Client) SubmitEvents(events []types.Event) (*types.AcceptedResponse, error) {
	body, err := json.Marshal(types.EventBatch{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.base+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out types.AcceptedResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches /v1/health. An unhealthy service still returns the
// probe breakdown: both 200 and 503 decode into the response, and the
// caller inspects Status.
func (c *Client) Health() (*types.HealthResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+"/v1/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeAPIError(resp)
	}
	var out types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &out, nil
}

// Status fetches the pipeline counters from /v1/status.
func (c *Client) Status() (*types.StatusResponse, error) {
	var out types.StatusResponse
	if err := c.get("/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview fetches /v1/stats/overview for the period.
func (c *Client) Overview(period string) (*types.OverviewResponse, error) {
	var out types.OverviewResponse
	if err := c.get("/v1/stats/overview", periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tools fetches /v1/stats/tools for the period.
func (c *Client) Tools(period string) (*types.ToolsResponse, error) {
	var out types.ToolsResponse
	if err := c.get("/v1/stats/tools", periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tool fetches /v1/stats/tool/{name} for the period.
func (c *Client) Tool(name, period string) (*types.ToolDetailResponse, error) {
	var out types.ToolDetailResponse
	if err := c.get("/v1/stats/tool/"+url.PathEscape(name), periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Errors fetches /v1/stats/errors for the period.
func (c *Client) Errors(period string) (*types.ErrorsResponse, error) {
	var out types.ErrorsResponse
	if err := c.get("/v1/stats/errors", periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Performance fetches /v1/stats/performance for the period.
func (c *Client) Performance(period string) (*types.PerformanceResponse, error) {
	var out types.PerformanceResponse
	if err := c.get("/v1/stats/performance", periodQuery(period), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func periodQuery(period string) url.Values {
	if period == "" {
		return nil
	}
	return url.Values{"period": []string{period}}
}

func (c *Client) get(path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeAPIError reads an error body into an *APIError. A body that is
// not the standard shape still yields the status code.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var parsed types.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		apiErr.Code = parsed.Error
		apiErr.Details = parsed.Details
		apiErr.RetryAfter = parsed.RetryAfter
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
