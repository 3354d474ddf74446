// Package httpclient provides the shared HTTP client used for REST calls:
// context-aware timeouts, default headers, request rate limiting, JSON helpers
// and observability hooks.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout applies to requests whose context has no deadline.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultDialTimeout         = 30 * time.Second
	defaultDialKeepAlive       = 30 * time.Second

	defaultUserAgent = "trackfill"

	// maxErrorBody caps how much of a failed response body is kept for error context
	maxErrorBody = 512
)

// Client wraps http.Client with per-request timeouts, default headers and an
// optional rate limiter. Safe for concurrent use.
type Client struct {
	client         *http.Client
	defaultTimeout time.Duration
	userAgent      string
	headers        http.Header
	limiter        *rate.Limiter

	hookMu        sync.RWMutex
	beforeRequest func(*http.Request)
	afterResponse func(*http.Request, *http.Response, error)
}

// Config configures New.
type Config struct {
	// DefaultTimeout bounds requests whose context has no deadline.
	DefaultTimeout time.Duration

	// UserAgent is set on requests that carry none.
	UserAgent string

	// Headers are added to every request unless the request already sets them
	Headers map[string]string

	// RequestsPerSecond limits outgoing requests; 0 disables limiting
	RequestsPerSecond float64

	// Burst is the limiter burst size (default: 1)
	Burst int

	// Transport overrides the tuned default transport, e.g. with an httpmock transport in tests
	Transport http.RoundTripper
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: DefaultTimeout,
		UserAgent:      defaultUserAgent,
	}
}

// New creates a new HTTP client. A nil cfg falls back to DefaultConfig.
func New(cfg *Config) *Client {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
		if c.DefaultTimeout == 0 {
			c.DefaultTimeout = DefaultTimeout
		}
		if c.UserAgent == "" {
			c.UserAgent = defaultUserAgent
		}
	}

	transport := c.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultDialTimeout,
				KeepAlive: defaultDialKeepAlive,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
			TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		}
	}

	headers := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		headers.Set(k, v)
	}

	var limiter *rate.Limiter
	if c.RequestsPerSecond > 0 {
		burst := max(c.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
	}

	return &Client{
		client:         &http.Client{Transport: transport},
		defaultTimeout: c.DefaultTimeout,
		userAgent:      c.UserAgent,
		headers:        headers,
		limiter:        limiter,
	}
}

// Do executes an HTTP request.
//
// If ctx has no deadline, the default timeout is applied. The rate limiter is
// waited on before the request is sent, so a cancelled ctx also aborts the wait.
// On success the caller closes the response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		// cancel is tied to the body so callers can still read it
		req = req.WithContext(ctx)
		resp, err := c.send(ctx, req)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	return c.send(ctx, req.WithContext(ctx))
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.hookMu.RLock()
	before, after := c.beforeRequest, c.afterResponse
	c.hookMu.RUnlock()

	if before != nil {
		before(req)
	}
	resp, err := c.client.Do(req)
	if after != nil {
		after(req, resp, err)
	}
	return resp, err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	return c.request(ctx, http.MethodGet, url, nil)
}

// Post performs a POST request. Non-reader bodies are marshaled to JSON.
func (c *Client) Post(ctx context.Context, url string, body any) (*http.Response, error) {
	return c.request(ctx, http.MethodPost, url, body)
}

// Patch performs a PATCH request. Non-reader bodies are marshaled to JSON.
func (c *Client) Patch(ctx context.Context, url string, body any) (*http.Response, error) {
	return c.request(ctx, http.MethodPatch, url, body)
}

func (c *Client) request(ctx context.Context, method, url string, body any) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader = http.NoBody
	isJSON := false
	switch v := body.(type) {
	case nil:
	case io.Reader:
		reader = v
	case []byte:
		reader = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", method, err)
		}
		reader = bytes.NewReader(data)
		isJSON = true
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Do(ctx, req)
}

// StatusError is returned by DoJSON for responses outside the accepted status set.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// DecodeError is returned by DoJSON when an accepted response body is not valid
// JSON for the target value.
type DecodeError struct {
	Method string
	URL    string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s response: %v", e.Method, e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DoJSON sends body as JSON (nil sends no body) and decodes the response into out
// (nil discards it). Any 2xx status is accepted unless accept lists specific codes.
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any, accept ...int) error {
	resp, err := c.request(ctx, method, url, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if !statusAccepted(resp.StatusCode, accept) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Method: method, URL: url, Err: err}
	}
	return nil
}

func statusAccepted(code int, accept []int) bool {
	if len(accept) == 0 {
		return code >= 200 && code < 300
	}
	for _, a := range accept {
		if code == a {
			return true
		}
	}
	return false
}

// Headers returns a copy of the default headers.
func (c *Client) Headers() http.Header {
	h := make(http.Header, len(c.headers))
	maps.Copy(h, c.headers)
	return h
}

// SetBeforeRequestHook installs fn to run before every request is sent.
func (c *Client) SetBeforeRequestHook(fn func(*http.Request)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.beforeRequest = fn
}

// SetAfterResponseHook installs fn to run after every round trip, failed or not.
func (c *Client) SetAfterResponseHook(fn func(*http.Request, *http.Response, error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.afterResponse = fn
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
