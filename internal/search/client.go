// Package search is a client for the third-party agent reputation index.
// Failures here are reported as upstream errors, distinct from chain RPC errors.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single search request.
const DefaultTimeout = 10 * time.Second

// Hit is one agent returned by the index.
type Hit struct {
	Chain       string  `json:"chain"`
	AgentID     uint64  `json:"agentId"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Results is a page of search hits.
type Results struct {
	Query string `json:"query"`
	Hits  []Hit  `json:"results"`
	Total int    `json:"total"`
}

// UpstreamError reports a failed call to the index.
type UpstreamError struct {
	// StatusCode is the HTTP status the index answered with; zero for transport
	// failures.
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("search upstream returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("search upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Client queries the index over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// New creates a client for the index at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs a free-text query. A limit of zero lets the index decide.
func (c *Client) Search(ctx context.Context, query string, limit int) (*Results, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("search upstream error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(body), 256)))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var out Results
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Query == "" {
		out.Query = query
	}
	if out.Hits == nil {
		out.Hits = []Hit{}
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
