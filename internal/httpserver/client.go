package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/pipeline"
)

// Client calls the API of a running errtally server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://127.0.0.1:3000".
// Requests are bounded by the caller's context only, since a run can take
// minutes.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("httpserver: %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("httpserver: decode %s: %w", path, err)
	}
	return nil
}

// Groups lists the group table, optionally filtered by status.
func (c *Client) Groups(ctx context.Context, status string) ([]GroupView, error) {
	path := "/api/groups"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Groups []GroupView `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// Digest returns today's digest.
func (c *Client) Digest(ctx context.Context) (enrich.Digest, error) {
	var out struct {
		Digest enrich.Digest `json:"digest"`
	}
	err := c.do(ctx, http.MethodGet, "/api/digest", &out)
	return out.Digest, err
}

// Stats returns inbox and table sizes.
func (c *Client) Stats(ctx context.Context) (StatsView, error) {
	var out StatsView
	err := c.do(ctx, http.MethodGet, "/api/stats", &out)
	return out, err
}

// Run triggers a run and waits for its summary.
func (c *Client) Run(ctx context.Context) (pipeline.Summary, error) {
	var out pipeline.Summary
	err := c.do(ctx, http.MethodPost, "/api/run", &out)
	return out, err
}
