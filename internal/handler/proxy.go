package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/service"
)

const (
	missingAPIKeyMessage = "GEMINI_API_KEY is not set on the server."
	forwardFailedMessage = "Failed to forward request to Google API."
)

// apiKeyPattern matches key query parameter values in URLs embedded in error messages.
var apiKeyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// errorResponse is the envelope for errors generated by the proxy itself.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ProxyHandler forwards API requests to the upstream Gemini API.
type ProxyHandler struct {
	service      *service.ProxyService
	logger       *slog.Logger
	allowHeaders string
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		logger:       logger.With("component", "proxy_handler"),
		allowHeaders: "Content-Type, Authorization, " + svc.APIKeyHeader(),
	}
}

// Handle answers CORS preflights locally and proxies everything else to the
// upstream Gemini API, streaming the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		h.setCORSHeaders(c.Response().Header())
		return c.NoContent(http.StatusOK)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	header.Set(echo.HeaderAccessControlAllowOrigin, "*")
	suppressServerHeaders(header, resp.Header)

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If the copy fails
	// mid-stream the status has already been sent, so the client sees a
	// truncated body with the original status.
	if _, err := copyResponse(c.Response(), resp.Body, shouldFlush(resp)); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) setCORSHeaders(header http.Header) {
	header.Set(echo.HeaderAccessControlAllowOrigin, "*")
	header.Set(echo.HeaderAccessControlAllowMethods, "GET, POST, OPTIONS")
	header.Set(echo.HeaderAccessControlAllowHeaders, h.allowHeaders)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.setCORSHeaders(c.Response().Header())
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrMissingAPIKey) {
		h.logger.Error("proxy error", "err", err, "path", path)
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error: missingAPIKeyMessage,
		})
	}

	details := err.Error()
	var upErr *service.UpstreamError
	if errors.As(err, &upErr) {
		details = upErr.Details()
	}
	details = apiKeyPattern.ReplaceAllString(details, "${1}[REDACTED]")

	reason := client.Classify(err)
	level := slog.LevelError
	if reason == "canceled" {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"reason", reason,
		"path", path,
	)

	return c.JSON(http.StatusBadGateway, errorResponse{
		Error:   forwardFailedMessage,
		Details: details,
	})
}

// serverFilledHeaders are added by net/http when absent from a response.
var serverFilledHeaders = []string{"Content-Type", "Date"}

// suppressServerHeaders keeps net/http from sniffing a Content-Type or
// stamping a Date the upstream did not send. A nil entry is never written.
func suppressServerHeaders(dst, upstream http.Header) {
	for _, key := range serverFilledHeaders {
		if _, ok := upstream[key]; !ok {
			dst[key] = nil
		}
	}
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return apiKeyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

// shouldFlush reports whether each chunk must reach the client as soon as it
// is read: server-sent events and bodies of unknown length.
func shouldFlush(resp *model.ProxyResponse) bool {
	if resp.Header.Get("Content-Length") == "" {
		return true
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mediaType == "text/event-stream"
}

// copyResponse copies src to w, flushing after every write when flush is set.
func copyResponse(w http.ResponseWriter, src io.Reader, flush bool) (int64, error) {
	if !flush {
		return io.Copy(w, src)
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return written, ferr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
