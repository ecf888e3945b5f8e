package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/markhive/markhive/pkg/types"
)

// Client wraps the markhive HTTP API for the coordinator, the sync engine
// and the CLI.
type Client struct {
	baseURL string
	http    *http.Client
}

// StatusError reports a non-2xx HTTP response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// IsTransient reports whether the failure is worth retrying (5xx). 4xx
// responses are permanent.
func (e *StatusError) IsTransient() bool {
	return e.Code >= 500
}

// New creates a client for a markhive server
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks server reachability with a HEAD request
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Sync POSTs a batch of envelopes and returns the applied results and id
// mappings.
func (c *Client) Sync(ctx context.Context, namespace string, req *types.SyncRequest) (*types.SyncResponse, error) {
	var resp types.SyncResponse
	path := fmt.Sprintf("/api/sync/%s/operations", url.PathEscape(namespace))
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Apply POSTs a single envelope
func (c *Client) Apply(ctx context.Context, namespace string, env *types.OperationEnvelope) (*types.ApplyResponse, error) {
	var resp types.ApplyResponse
	path := fmt.Sprintf("/api/%s/operations/apply", url.PathEscape(namespace))
	if err := c.postJSON(ctx, path, env, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSubtree fetches the subtree rooted at nodeID
func (c *Client) GetSubtree(ctx context.Context, namespace, nodeID string) (*types.SubtreeResponse, error) {
	var resp types.SubtreeResponse
	path := fmt.Sprintf("/api/%s/tree/node/%s", url.PathEscape(namespace), url.PathEscape(nodeID))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListNamespaces fetches all namespaces
func (c *Client) ListNamespaces(ctx context.Context) ([]types.NamespaceInfo, error) {
	var resp struct {
		Data []types.NamespaceInfo `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/namespaces", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Connections fetches the live subscriber count for a namespace
func (c *Client) Connections(ctx context.Context, namespace string) (int, error) {
	var resp types.ConnectionsResponse
	path := "/api/connections"
	if namespace != "" {
		path += "?namespace=" + url.QueryEscape(namespace)
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Connections, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
