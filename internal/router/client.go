package router

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

// reloadTimeout bounds every control-API round trip.
const reloadTimeout = 10 * time.Second

// Client talks to the router's v3 control API.
type Client struct {
	baseURL string
	user    string
	pass    string
	http    *http.Client
}

func NewClient(baseURL, user, pass string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		pass:    pass,
		http:    &http.Client{Timeout: reloadTimeout},
	}
}

// PathsList is the router's active-path listing.
type PathsList struct {
	Items []PathStatus `json:"items"`
}

// PathStatus is one active path's runtime state.
type PathStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Source *struct {
		Type string `json:"type"`
	} `json:"source"`
	Readers []struct {
		Type string `json:"type"`
	} `json:"readers"`
	BytesReceived int64 `json:"bytesReceived"`
}

// ListPaths returns the runtime state of every active path.
func (c *Client) ListPaths(ctx context.Context) (*PathsList, error) {
	var list PathsList
	if err := c.doJSON(ctx, http.MethodGet, "/v3/paths/list", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// PathStatus returns one path's runtime state, or an error when the
// path is not active.
func (c *Client) PathStatus(ctx context.Context, name string) (*PathStatus, error) {
	var status PathStatus
	endpoint := "/v3/paths/get/" + url.PathEscape(name)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// AddPath registers a new path configuration.
func (c *Client) AddPath(ctx context.Context, name string, cfg PathConfig) error {
	return c.doJSON(ctx, http.MethodPost, "/v3/config/paths/add/"+url.PathEscape(name), cfg, nil)
}

// ReplacePath replaces an existing path configuration.
func (c *Client) ReplacePath(ctx context.Context, name string, cfg PathConfig) error {
	return c.doJSON(ctx, http.MethodPost, "/v3/config/paths/replace/"+url.PathEscape(name), cfg, nil)
}

// DeletePath removes a path configuration.
func (c *Client) DeletePath(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v3/config/paths/delete/"+url.PathEscape(name), nil)
}

// PatchGlobal patches global configuration, used to push credential
// changes without touching paths.
func (c *Client) PatchGlobal(ctx context.Context, patch any) error {
	return c.doJSON(ctx, http.MethodPatch, "/v3/config/global/patch", patch, nil)
}

// Healthy reports whether the control API answers.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.ListPaths(ctx)
	return err == nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out ...any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("router api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("router api %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if len(out) > 0 && out[0] != nil {
		if err := json.NewDecoder(resp.Body).Decode(out[0]); err != nil {
			return fmt.Errorf("failed to decode router response: %w", err)
		}
	}
	return nil
}
