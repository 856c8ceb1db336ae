// Package middleware provides Echo middleware for logging, metrics and the
// relay's cross-origin response headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"cors-relay/internal/metrics"
)

// originStatusHeader carries the origin's status on relayed responses.
const originStatusHeader = "--s"

// RequestLogger returns an Echo middleware that logs each request with slog.
// Relay paths embed the target URL, which may carry signed tokens, so only
// the route prefix is logged.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"route", metrics.NormalizePath(req.URL.Path),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if s := res.Header().Get(originStatusHeader); s != "" {
				attrs = append(attrs, "origin_status", s)
			}

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
