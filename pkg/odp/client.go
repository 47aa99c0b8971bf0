// Package odp provides a client for the OPAL/ODP widget data API.
package odp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the ODP operations used by the content pipeline.
type Client interface {
	// WidgetData fetches the current vendor data for one widget on a page.
	WidgetData(ctx context.Context, pageID, widgetID string) (*WidgetResponse, error)
}

// WidgetResponse is the parsed widget data response.
type WidgetResponse struct {
	PageID      string         `json:"page_id"`
	WidgetID    string         `json:"widget_id"`
	Data        map[string]any `json:"data"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("odp: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the ODP client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new ODP client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.zaius.com/v3",
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) WidgetData(ctx context.Context, pageID, widgetID string) (*WidgetResponse, error) {
	if c.apiKey == "" {
		return nil, eris.New("odp: api key not configured (OSA_ODP_API_KEY)")
	}
	endpoint := fmt.Sprintf("%s/osa/pages/%s/widgets/%s", c.baseURL, url.PathEscape(pageID), url.PathEscape(widgetID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "odp: create request")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "odp: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "odp: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	var out WidgetResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "odp: decode response")
	}
	if out.Data == nil {
		return nil, eris.Errorf("odp: no data for %s/%s", pageID, widgetID)
	}
	return &out, nil
}
