// Package client is a typed HTTP client for the build API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kicad-jobs/internal/api"
)

// Sentinel errors matched by HTTP status.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrGone         = errors.New("gone")
	ErrOverloaded   = errors.New("server overloaded")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusServiceUnavailable:
		return ErrOverloaded
	default:
		return nil
	}
}

// Client talks to one API server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts a build request.
func (c *Client) Submit(ctx context.Context, layout, settings json.RawMessage) (*api.TaskStatus, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"layout": layout, "settings": settings})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var status api.TaskStatus
	if err := c.doJSON(ctx, http.MethodPost, "/api/pcb", body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Status fetches a task's state.
func (c *Client) Status(ctx context.Context, id string) (*api.TaskStatus, error) {
	var status api.TaskStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/pcb/"+id, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Cancel cancels a pending task.
func (c *Client) Cancel(ctx context.Context, id string) (*api.CancelResponse, error) {
	var resp api.CancelResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/api/pcb/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wait polls Status every interval until the task is finished.
// onUpdate, if set, is called with every status seen.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(*api.TaskStatus)) (*api.TaskStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(status)
		}
		switch status.TaskStatus {
		case api.TaskSuccess, api.TaskFailure, api.TaskRevoked:
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download writes the task's zip bundle to w.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	return c.copy(ctx, api.ResultPath(id), w)
}

// Render writes one of the task's SVG previews to w.
func (c *Client) Render(ctx context.Context, id, name string, w io.Writer) (int64, error) {
	return c.copy(ctx, api.RenderPath(id, name), w)
}

// Workers reports the worker pool.
func (c *Client) Workers(ctx context.Context) (*api.WorkersResponse, error) {
	var resp api.WorkersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/workers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp api.VersionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) copy(ctx context.Context, path string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", path, err)
	}
	return n, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// do sends a request and turns non-2xx replies into an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e api.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		apiErr.Message = e.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return nil, apiErr
}
