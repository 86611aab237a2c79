// Package api is the HTTP client for the sync server.
package api

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
	"strings"
	"time"

	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/sync"
)

// Client talks to the sync server. It implements sync.Remote.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for the server at baseURL. timeout bounds
// each request; zero means 30 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsConfigured reports whether a server URL is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// Push sends changes and returns one result per change.
func (c *Client) Push(ctx context.Context, scope protocol.Scope, changes []protocol.Change) ([]protocol.Result, error) {
	var resp protocol.PushResponse
	if err := c.post(ctx, "/api/v1/push", scope, protocol.PushRequest{Changes: changes}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pull fetches up to limit changes after the since cursor.
func (c *Client) Pull(ctx context.Context, scope protocol.Scope, since int64, limit int) (*protocol.PullResponse, error) {
	q := url.Values{}
	q.Set("since", fmt.Sprint(since))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	var resp protocol.PullResponse
	if err := c.get(ctx, "/api/v1/pull?"+q.Encode(), scope, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/health", protocol.Scope{}, nil)
}

// HTTP helpers

func (c *Client) get(ctx context.Context, path string, scope protocol.Scope, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, scope, result)
}

func (c *Client) post(ctx context.Context, path string, scope protocol.Scope, body, result any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, scope, result)
}

func (c *Client) doRequest(req *http.Request, scope protocol.Scope, result any) error {
	if scope.UserID != "" {
		scope.SetHeaders(req.Header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, body)
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("%w: failed to decode response: %w", sync.ErrNetworkUnavailable, err)
		}
	}
	return nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", sync.ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%w: %w", sync.ErrNetworkUnavailable, err)
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("request failed with status %d", status)
	var errResp protocol.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	switch {
	case status == http.StatusForbidden || errResp.Code == protocol.CodePermissionDenied:
		return fmt.Errorf("%w: %w: %s", sync.ErrRejected, protocol.ErrPermissionDenied, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", sync.ErrNetworkTimeout, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s", sync.ErrNetworkUnavailable, msg)
	default:
		return fmt.Errorf("%w: %s", sync.ErrRejected, msg)
	}
}
