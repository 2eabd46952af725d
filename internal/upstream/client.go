// Package upstream talks to the external SQL generation, execution and chart
// explanation service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 32 << 20

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	GenerateSQLPath  string
	RunSQLPath       string
	ExplainChartPath string
	HTTPClient       *http.Client
}

type Client struct {
	baseURL          string
	generateSQLPath  string
	runSQLPath       string
	explainChartPath string
	client           *http.Client
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed status=%d body=%s", e.Endpoint, e.StatusCode, e.Body)
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("upstream base URL must be http(s): %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:          baseURL,
		generateSQLPath:  pathOr(cfg.GenerateSQLPath, "/generate_sql"),
		runSQLPath:       pathOr(cfg.RunSQLPath, "/run_sql"),
		explainChartPath: pathOr(cfg.ExplainChartPath, "/explain_chart"),
		client:           client,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) GenerateSQL(ctx context.Context, prompt string) (GenerateSQLResponse, error) {
	var out GenerateSQLResponse
	err := c.post(ctx, c.generateSQLPath, GenerateSQLRequest{Prompt: prompt}, &out)
	return out, err
}

func (c *Client) RunSQL(ctx context.Context, sql string) (RunSQLResponse, error) {
	var out RunSQLResponse
	err := c.post(ctx, c.runSQLPath, RunSQLRequest{SQL: sql}, &out)
	return out, err
}

func (c *Client) ExplainChart(ctx context.Context, req ExplainChartRequest) (ExplainChartResponse, error) {
	var out ExplainChartResponse
	err := c.post(ctx, c.explainChartPath, req, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: path, StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func pathOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if !strings.HasPrefix(value, "/") {
		value = "/" + value
	}
	return value
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
