package jsonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxExcerpt bounds how much of an unexpected response body is kept in errors.
const maxExcerpt = 200

// StatusError is returned when the server responds with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// ContentTypeError is returned by [Client.PostJSON] with RequireJSON set when
// the response is not application/json.
type ContentTypeError struct {
	Code        int
	ContentType string
	Body        string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("server returned non-JSON response (%d): %s", e.Code, e.Body)
}

// Client holds the shared settings for one remote service.
type Client struct {
	BaseURL string            // Service base URL (no trailing slash).
	Client  *http.Client      // HTTP client; falls back to a cached default client.
	Headers map[string]string // Extra headers applied to every request.
	Timeout time.Duration     // Per-call timeout; zero means only ctx bounds the call.

	clientOnce    sync.Once
	defaultClient *http.Client
}

// New creates a Client for baseURL with the given per-call timeout.
// A nil client falls back to a default client at call time.
func New(baseURL string, timeout time.Duration, client *http.Client) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
		Timeout: timeout,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}

	c.clientOnce.Do(func() {
		c.defaultClient = &http.Client{Timeout: time.Minute}
	})

	return c.defaultClient
}

// NewRequest builds an *http.Request with the base URL and custom headers
// already applied.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Do sends the request using the configured HTTP client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient().Do(req) //nolint:gosec // URL is built from trusted BaseURL config, not user input.
}

// Options tune a single [Client.PostJSON] call.
type Options struct {
	Timeout     time.Duration // Overrides Client.Timeout when positive.
	RequireJSON bool          // Reject responses whose content type is not JSON.
}

// PostJSON marshals payload as JSON, sends a POST to path, checks for a 2xx
// status and decodes the response body into dest. If dest is nil the body is
// discarded after the status check.
func (c *Client) PostJSON(ctx context.Context, path string, payload, dest any) error {
	return c.PostJSONWith(ctx, path, payload, dest, Options{})
}

// PostJSONWith is [Client.PostJSON] with per-call options.
func (c *Client) PostJSONWith(ctx context.Context, path string, payload, dest any, opts Options) error {
	return c.call(ctx, http.MethodPost, path, payload, dest, opts)
}

// GetJSON sends a GET to path, checks for a 2xx status and decodes the
// response body into dest.
func (c *Client) GetJSON(ctx context.Context, path string, dest any) error {
	return c.call(ctx, http.MethodGet, path, nil, dest, Options{})
}

func (c *Client) call(ctx context.Context, method, path string, payload, dest any, opts Options) error {
	timeout := c.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if payload != nil || method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: excerpt(resp.Body)}
	}

	if opts.RequireJSON && !isJSON(resp.Header.Get("Content-Type")) {
		return &ContentTypeError{
			Code:        resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        excerpt(resp.Body),
		}
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("decode response: empty body")
		}
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func excerpt(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxExcerpt))
	return strings.TrimSpace(string(data))
}
