package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each proxied request. Durations include the time spent streaming the
// upstream body back, so long generations show up as long requests.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			m.ObserveRequest(c.Request().Method, statusCode(c, err), c.Request().URL.Path, time.Since(start))
			return err
		}
	}
}

// statusCode resolves the status the client will see. A returned
// *echo.HTTPError has not been written yet; Echo's central error handler
// writes it after the middleware chain unwinds.
func statusCode(c echo.Context, err error) string {
	code := c.Response().Status
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}
	}
	return strconv.Itoa(code)
}
