// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
)

// ErrMissingAPIKey is returned for every forward attempt when no API key is configured.
var ErrMissingAPIKey = errors.New("api key not configured: set GEMINI_API_KEY or gemini.api_key")

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// UpstreamError is a transport-level failure of the outbound call: DNS,
// connect, reset, timeout, cancellation or an open circuit breaker. HTTP
// error statuses returned by the upstream are never reported this way.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "forward to upstream: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Details returns a human-readable description of the underlying failure.
func (e *UpstreamError) Details() string {
	return e.Err.Error()
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client       *client.UpstreamClient
	logger       *slog.Logger
	baseURL      string
	apiKey       string
	apiKeyHeader string
}

// NewProxyService creates a ProxyService. The API key is captured once here
// and never re-read.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newProxyService(c, cfg, logger), nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	if _, err := url.Parse(cfg.Upstream.BaseURL); err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return newProxyService(c, cfg, logger), nil
}

func newProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	header := cfg.Gemini.APIKeyHeader
	if header == "" {
		header = config.DefaultAPIKeyHeader
	}
	return &ProxyService{
		client:       c,
		logger:       logger.With("component", "proxy_service"),
		baseURL:      cfg.Upstream.BaseURL,
		apiKey:       cfg.Gemini.APIKey,
		apiKeyHeader: header,
	}
}

// APIKeyHeader returns the header name the API key is injected into.
func (s *ProxyService) APIKeyHeader() string {
	return s.apiKeyHeader
}

// Forward sends a ProxyRequest to the upstream Gemini API and returns the response.
// The caller is responsible for closing the response body.
//
// ErrMissingAPIKey is returned without any network call when no key is
// configured. Transport failures are returned as *UpstreamError. Any HTTP
// response, whatever its status, is a success.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if s.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := s.buildRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, &UpstreamError{Err: unwrapClientError(err)}
	}
	return resp, nil
}

// buildUpstreamURL appends the escaped path and raw query verbatim to the base origin.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	target := s.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// connectionHeaders describe the inbound connection only. The HTTP/2
// transport rejects requests that carry them.
var connectionHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Upgrade",
	"Transfer-Encoding",
}

// buildRequestHeaders clones every inbound header, forces the API key header
// to the configured secret and drops Host and the connection-level headers.
// Te survives only as "trailers". A client-supplied key never wins.
func (s *ProxyService) buildRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Set(s.apiKeyHeader, s.apiKey)
	dst.Del("Host")
	for _, h := range connectionHeaders {
		dst.Del(h)
	}
	if te := dst.Values("Te"); len(te) > 0 {
		dst.Del("Te")
		for _, v := range te {
			if strings.EqualFold(strings.TrimSpace(v), "trailers") {
				dst.Set("Te", "trailers")
			}
		}
	}
	return dst
}

// unwrapClientError strips the client's own "upstream request:" wrapping so
// details carry the transport's description rather than our call chain.
func unwrapClientError(err error) error {
	if inner := errors.Unwrap(err); inner != nil {
		return inner
	}
	return err
}
