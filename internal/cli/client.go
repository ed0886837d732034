package cli

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

	"github.com/ChuLiYu/toolshelf/internal/server"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// Client calls a running toolshelf HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimSuffix(base, "/"), http: hc}
}

func (c *Client) Enqueue(ctx context.Context, req server.EnqueueRequest) (types.JobID, error) {
	var resp server.EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/api/screenshots", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *Client) Job(ctx context.Context, id types.JobID) (server.JobResponse, error) {
	var resp server.JobResponse
	err := c.do(ctx, http.MethodGet, "/api/screenshots/"+url.PathEscape(string(id)), nil, &resp)
	return resp, err
}

func (c *Client) QueueStats(ctx context.Context) (types.QueueStats, error) {
	var resp types.QueueStats
	err := c.do(ctx, http.MethodGet, "/api/screenshots/stats", nil, &resp)
	return resp, err
}

func (c *Client) CacheStats(ctx context.Context) (server.CacheStatsResponse, error) {
	var resp server.CacheStatsResponse
	err := c.do(ctx, http.MethodGet, "/api/cache/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr server.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
