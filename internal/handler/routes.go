package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
)

// RegisterRoutes wires the proxy listener: every method and path is forwarded.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires the admin listener. The metrics endpoint is only
// mounted when m is non-nil.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
