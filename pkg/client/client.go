// Package client is a Go SDK for the wardbridge admin API.
package client

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

	"github.com/dhawalhost/wardbridge/internal/audit"
	"github.com/dhawalhost/wardbridge/internal/bulksync"
)

// Client is a client for the bridge admin API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
}

// Config holds configuration for the client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		Token:   cfg.Token,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is a non-2xx admin API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Status is the sync status reported by the bridge.
type Status struct {
	Running bool             `json:"running"`
	Last    *bulksync.Report `json:"last"`
}

// TriggerSync starts a sync. With wait set it blocks until the run finishes
// and returns its report; otherwise the report is nil.
func (c *Client) TriggerSync(ctx context.Context, forceAll, wait bool) (*bulksync.Report, error) {
	payload := map[string]bool{"force_all": forceAll, "wait": wait}
	if !wait {
		return nil, c.doRequest(ctx, http.MethodPost, "/admin/sync", payload, nil)
	}
	var report bulksync.Report
	if err := c.doRequest(ctx, http.MethodPost, "/admin/sync", payload, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SyncStatus returns whether a sync is running and the last report.
func (c *Client) SyncStatus(ctx context.Context) (Status, error) {
	var s Status
	err := c.doRequest(ctx, http.MethodGet, "/admin/sync/status", nil, &s)
	return s, err
}

// AuditEvents lists audit events of a sync run, newest first.
func (c *Client) AuditEvents(ctx context.Context, runID string, limit int) ([]audit.Event, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/admin/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res struct {
		Events []audit.Event `json:"events"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// RunSummary returns the audit summary of one sync run.
func (c *Client) RunSummary(ctx context.Context, runID string) (audit.RunSummary, error) {
	var sum audit.RunSummary
	err := c.doRequest(ctx, http.MethodGet, "/admin/audit/runs/"+url.PathEscape(runID), nil, &sum)
	return sum, err
}

// doRequest helper to perform authenticated requests.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}

	return nil
}
