package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"cors-relay/internal/metrics"
)

// MetricsConfig configures MetricsMiddlewareWithConfig.
type MetricsConfig struct {
	Metrics *metrics.Metrics
	// Skipper excludes requests from recording, e.g. scrapes of the metrics endpoint.
	Skipper echomw.Skipper
}

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return MetricsMiddlewareWithConfig(MetricsConfig{Metrics: m})
}

// MetricsMiddlewareWithConfig is MetricsMiddleware with a skipper.
func MetricsMiddlewareWithConfig(config MetricsConfig) echo.MiddlewareFunc {
	if config.Skipper == nil {
		config.Skipper = echomw.DefaultSkipper
	}
	m := config.Metrics

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper(c) {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)

			return err
		}
	}
}

// SkipPath returns a Skipper matching one exact request path.
func SkipPath(path string) echomw.Skipper {
	return func(c echo.Context) bool {
		return c.Request().URL.Path == path
	}
}
