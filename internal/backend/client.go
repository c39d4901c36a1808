// Package backend is the HTTP client for the document backend: question
// answering, chunk listing, the websocket chunk feed and health checks.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/docchat/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL        = "http://localhost:8000"
	defaultRequestTimeout = 30 * time.Second
	errorBodyLimit        = 4096
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string

	// WebSocketURL is the root for the chunk feed. Derived from BaseURL
	// (http→ws, https→wss) when empty.
	WebSocketURL string

	// RequestTimeout bounds non-streaming calls. Defaults to 30s.
	RequestTimeout time.Duration

	// StreamTimeout bounds a whole incremental answer. Zero means no limit
	// beyond the caller's context.
	StreamTimeout time.Duration

	// Headers are added to every request.
	Headers map[string]string
}

// Client talks to the backend over HTTP.
type Client struct {
	http           *http.Client
	baseURL        string
	wsURL          string
	requestTimeout time.Duration
	streamTimeout  time.Duration
	headers        map[string]string

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *observability.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithFields("component", "backend")
		}
	}
}

// WithMetrics enables request counting.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// WithTracer sets the tracer used for backend spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewClient creates a backend client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	wsURL := strings.TrimRight(strings.TrimSpace(cfg.WebSocketURL), "/")
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(baseURL, "http")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	c := &Client{
		http:           &http.Client{},
		baseURL:        baseURL,
		wsURL:          wsURL,
		requestTimeout: timeout,
		streamTimeout:  cfg.StreamTimeout,
		headers:        cfg.Headers,
		logger:         observability.NewNopLogger(),
		tracer:         observability.NewNopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one backend call.
type request struct {
	op     string
	method string
	path   string
	body   any
	accept string
}

// do sends req and returns the response if its status is 2xx. Any other
// status is turned into a TransportError carrying a body excerpt. The
// returned body ends the backend span when closed.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, &TransportError{Op: req.op, Cause: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + req.path
	ctx, span := c.tracer.TraceBackendCall(ctx, req.op, req.method, endpoint)

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		span.End()
		return nil, &TransportError{Op: req.op, Cause: err}
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.tracer.InjectHTTP(ctx, httpReq.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.RecordBackendRequest(req.op, "error")
		c.tracer.RecordError(span, err)
		span.End()
		return nil, &TransportError{Op: req.op, Cause: err}
	}
	c.metrics.RecordBackendRequest(req.op, strconv.Itoa(resp.StatusCode))
	c.tracer.SetAttributes(span, "http.status_code", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, readErr := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		tErr := &TransportError{Op: req.op, Status: resp.StatusCode, Body: string(excerpt)}
		if readErr != nil {
			tErr.Cause = fmt.Errorf("read error body: %w", readErr)
		}
		c.tracer.RecordError(span, tErr)
		span.End()
		c.logger.Debug(ctx, "backend returned error status",
			"op", req.op,
			"status", resp.StatusCode,
		)
		return nil, tErr
	}

	resp.Body = &spanBody{ReadCloser: resp.Body, span: span}
	return resp, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// spanBody ends the request span once the caller is done with the body.
type spanBody struct {
	io.ReadCloser
	span   trace.Span
	closed bool
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed {
		b.closed = true
		b.span.End()
	}
	return err
}
