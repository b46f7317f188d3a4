// Package jina is a small client for the Jina Reader API, which renders a
// page in a hosted browser and returns its content.
package jina

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Return formats accepted by the Reader.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Client renders pages through Jina Reader.
type Client interface {
	Read(ctx context.Context, targetURL string, opts ...ReadOption) (*ReadResponse, error)
}

// ReadResponse is the Reader's JSON envelope.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the rendered page. HTML is populated for FormatHTML,
// Content for the other formats.
type ReadData struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	HTML    string `json:"html"`
}

// Body returns whichever of HTML or Content is populated.
func (d ReadData) Body() string {
	if d.HTML != "" {
		return d.HTML
	}
	return d.Content
}

// ReadOption configures a single Read call.
type ReadOption func(*readOpts)

type readOpts struct {
	format      string
	waitFor     string
	timeoutSecs int
}

// WithFormat selects the return format. Default: FormatMarkdown.
func WithFormat(f string) ReadOption {
	return func(o *readOpts) { o.format = f }
}

// WithWaitForSelector makes the renderer wait until selector appears.
func WithWaitForSelector(sel string) ReadOption {
	return func(o *readOpts) { o.waitFor = sel }
}

// WithRenderTimeout bounds how long the renderer waits for the page.
func WithRenderTimeout(d time.Duration) ReadOption {
	return func(o *readOpts) { o.timeoutSecs = int(d.Seconds()) }
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithBackoff sets the initial retry delay.
func WithBackoff(d time.Duration) Option {
	return func(c *httpClient) { c.backoff = d }
}

type httpClient struct {
	apiKey  string
	baseURL string
	backoff time.Duration
	http    *http.Client
}

// NewClient creates a Reader client. apiKey may be empty for the
// unauthenticated tier.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://r.jina.ai",
		backoff: time.Second,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo sends req up to three times, backing off on transport errors and
// retryable statuses.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, status, err := c.once(req.Clone(ctx))
		switch {
		case err != nil:
			lastErr = err
		case retryableStatusCode(status):
			lastErr = eris.Errorf("jina: status %d", status)
		default:
			return body, status, nil
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, 0, lastErr
}

func (c *httpClient) once(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "jina: read response body")
	}
	return body, resp.StatusCode, nil
}

func (c *httpClient) Read(ctx context.Context, targetURL string, opts ...ReadOption) (*ReadResponse, error) {
	o := readOpts{format: FormatMarkdown}
	for _, opt := range opts {
		opt(&o)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", o.format)
	if o.waitFor != "" {
		req.Header.Set("X-Wait-For-Selector", o.waitFor)
	}
	if o.timeoutSecs > 0 {
		req.Header.Set("X-Timeout", strconv.Itoa(o.timeoutSecs))
	}

	body, status, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: request failed")
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("jina: unexpected status %d: %s", status, truncate(body, 200))
	}

	var result ReadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
