// Package upstream is the only caller of the backing REST services. Every
// call is normalized into a StandardResponse; transport failures never
// surface as Go errors.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tjfontaine/hospital-gateway/internal/metrics"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 2
	maxResponseBytes  = 8 << 20
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the fixed per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets how many times an idempotent call is retried after a
// transport failure or 5xx.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRateLimit throttles each service to rps requests per second.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.rps = rate.Limit(rps)
		c.burst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithBackOff overrides the retry backoff policy factory.
func WithBackOff(f func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		c.newBackOff = f
	}
}

// Client holds the process-wide transport to the backing services.
type Client struct {
	services   map[string]*url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	rps        rate.Limit
	burst      int
	limiters   map[string]*rate.Limiter
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewClient creates a client for services, a map of service name to base URL.
func NewClient(services map[string]string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		services: make(map[string]*url.URL, len(services)),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		rps:        rate.Inf,
		logger:     slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	for name, raw := range services {
		u, err := url.Parse(strings.TrimSuffix(raw, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream %s: invalid base url %q", name, raw)
		}
		c.services[name] = u
	}

	if c.rps != rate.Inf && c.burst < 1 {
		c.burst = 1
	}
	c.limiters = make(map[string]*rate.Limiter, len(c.services))
	for name := range c.services {
		c.limiters[name] = rate.NewLimiter(c.rps, c.burst)
	}
	return c, nil
}

// Session returns a request-scoped caller that stamps every call with the
// originating request id and language.
func (c *Client) Session(requestID, language string) *Session {
	return &Session{client: c, requestID: requestID, language: language}
}

// Session is the per-request view of the client.
type Session struct {
	client    *Client
	requestID string
	language  string
}

// RequestID returns the request id forwarded upstream.
func (s *Session) RequestID() string { return s.requestID }

// Request performs one call.
func (s *Session) Request(ctx context.Context, call CallSpec) StandardResponse {
	return s.client.do(ctx, call, s.requestID, s.language)
}

// BatchRequest performs all calls concurrently. The i-th response belongs
// to the i-th call regardless of completion order.
func (s *Session) BatchRequest(ctx context.Context, calls []CallSpec) []StandardResponse {
	out := make([]StandardResponse, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			out[i] = s.client.do(ctx, call, s.requestID, s.language)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }

func (c *Client) do(ctx context.Context, call CallSpec, requestID, language string) StandardResponse {
	base, ok := c.services[call.Service]
	if !ok {
		return failure(CodeUnknownService, "unknown service %q", call.Service)
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return failure(CodeBadRequest, "marshal request body: %v", err)
		}
		body = b
	}

	target := *base
	target.Path = base.Path + "/" + strings.TrimPrefix(call.Path, "/")
	if len(call.Query) > 0 {
		target.RawQuery = call.Query.Encode()
	}

	start := time.Now()
	attempt := func() (StandardResponse, error) {
		if err := c.limiters[call.Service].Wait(ctx); err != nil {
			return transportFailure(err), backoff.Permanent(err)
		}
		return c.roundTrip(ctx, method, target.String(), body, requestID, language)
	}

	var resp StandardResponse
	var err error
	if method == http.MethodGet && c.maxRetries > 0 {
		resp, err = backoff.Retry(ctx, attempt,
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxTries(uint(c.maxRetries+1)),
			backoff.WithMaxElapsedTime(c.timeout*time.Duration(c.maxRetries+1)))
	} else {
		resp, err = attempt()
	}
	if err != nil && resp.Success {
		resp = transportFailure(err)
	}

	outcome := "ok"
	if !resp.Success {
		outcome = strings.ToLower(resp.Error.Code)
		c.logger.WarnContext(ctx, "upstream call failed",
			slog.String("request_id", requestID),
			slog.String("service", call.Service),
			slog.String("method", method),
			slog.String("path", call.Path),
			slog.String("code", resp.Error.Code),
			slog.String("error", resp.Error.Message))
	}
	metrics.ObserveUpstream(call.Service, outcome, time.Since(start))
	return resp
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body []byte, requestID, language string) (StandardResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return failure(CodeBadRequest, "create request: %v", err), backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if language != "" {
		req.Header.Set("Accept-Language", language)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportFailure(err), &retryableError{err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportFailure(err), &retryableError{err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out := failure(fmt.Sprintf("HTTP_%d", resp.StatusCode), "%s", errorMessage(raw, http.StatusText(resp.StatusCode)))
		if resp.StatusCode >= 500 {
			return out, &retryableError{fmt.Errorf("status %d", resp.StatusCode)}
		}
		return out, nil
	}
	return decodeEnvelope(raw), nil
}

// errorMessage pulls error.message (or a string error) out of a non-2xx body.
func errorMessage(raw []byte, fallback string) string {
	var env struct {
		Error *ResponseError `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return fallback
}

// decodeEnvelope reads {success, data, error, pagination}. A 2xx body that
// is valid JSON but not an envelope is treated as bare data.
func decodeEnvelope(raw []byte) StandardResponse {
	var env struct {
		Success    *bool           `json:"success"`
		Data       json.RawMessage `json:"data"`
		Error      *ResponseError  `json:"error"`
		Pagination *Pagination     `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if json.Valid(raw) {
			return StandardResponse{Success: true, Data: raw}
		}
		return failure(CodeBadResponse, "decode response: %v", err)
	}
	if env.Success == nil {
		return StandardResponse{Success: true, Data: raw}
	}
	out := StandardResponse{Success: *env.Success, Data: env.Data, Error: env.Error, Pagination: env.Pagination}
	if !out.Success && out.Error == nil {
		out.Error = &ResponseError{Code: CodeBadResponse, Message: "upstream reported failure without error"}
	}
	return out
}

func transportFailure(err error) StandardResponse {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure(CodeTimeout, "upstream call timed out")
	case errors.Is(err, context.Canceled):
		return failure(CodeCancelled, "request cancelled")
	default:
		return failure(CodeUnavailable, "%v", err)
	}
}
