// Package client provides the upstream HTTP client for the Gemini API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
)

// UpstreamClient sends requests to the upstream Gemini API.
type UpstreamClient struct {
	httpClient *http.Client
	breaker    CircuitBreaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// There is no overall client timeout: generation streams may legitimately run
// for minutes. timeout_seconds bounds the wait for response headers instead.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
		// Bodies are relayed as-is; never decode gzip behind the caller's back.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	logger = logger.With("component", "upstream_client")

	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects go back to the caller untouched, and the API key
			// header must never follow a redirect to another host.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breaker = NewCircuitBreaker("gemini-upstream",
			time.Duration(cb.OpenSeconds)*time.Second,
			uint32(cb.MaxFailures),
			logger,
		)
	}

	return c
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.roundTrip(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(Classify(err)).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// roundTrip sends req through the circuit breaker when one is configured.
// Only transport failures reach the breaker; any HTTP status is a success.
func (c *UpstreamClient) roundTrip(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	}

	var resp *http.Response
	err := c.breaker.Execute(func() error {
		r, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
//
// contentLength is copied onto the outbound request; pass -1 when unknown.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.ReadCloser, contentLength int64) (*model.ProxyResponse, error) {
	if body == nil || contentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}

// Classify maps a transport failure to a bounded reason label.
func Classify(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "circuit_open"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}

	return "other"
}
