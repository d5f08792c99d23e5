package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tsync "github.com/marcus/tandem/internal/sync"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// DefaultTimeout bounds each request made by a Client created with New.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client for the tandem sync server. It implements the
// engine's Remote interface.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

var _ tsync.Remote = (*Client)(nil)

// New creates a new sync client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

// --- Wire types (mirrors internal/api/sync.go, independently defined) ---

// PushResponse is the response from POST /v1/sync/push.
type PushResponse struct {
	Accepted  int   `json:"accepted"`
	Timestamp int64 `json:"timestamp"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Sync methods ---

// Pull fetches every change after req.LastPulledAt made by other devices.
func (c *Client) Pull(ctx context.Context, req tsync.PullRequest) (*tsync.PullResponse, error) {
	var resp tsync.PullResponse
	if err := c.do(ctx, "POST", "/v1/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	if resp.Changes == nil {
		resp.Changes = map[string]json.RawMessage{}
	}
	return &resp, nil
}

// Push sends local changes. A nil error means the server stored all of them.
func (c *Client) Push(ctx context.Context, req tsync.PushRequest) error {
	var resp PushResponse
	return c.do(ctx, "POST", "/v1/sync/push", req, &resp)
}

// --- HTTP helpers ---

// APIError is the standard error body from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Code != "" {
			apiErr := env.Error
			apiErr.Status = resp.StatusCode
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			case http.StatusTooManyRequests:
				return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
