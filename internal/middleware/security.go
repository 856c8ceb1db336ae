package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// preflightMethods is the Access-Control-Allow-Methods list for preflights.
var preflightMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodTrace,
	http.MethodDelete,
	http.MethodHead,
	http.MethodOptions,
}

const (
	preflightMaxAge = 1728000
	hstsMaxAge      = 99999999
)

// RelayHeaders returns an Echo middleware that strips hop-by-hop headers
// from the incoming request and makes every response readable cross-origin.
// The header is set before the handler runs so streamed responses carry it.
func RelayHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")

			return next(c)
		}
	}
}

// Preflight answers CORS preflight requests on every path with 204 and a
// permissive policy. Non-preflight requests pass through.
//
// echo's CORS middleware answers an OPTIONS request without an Origin header
// with a bare 204, so those get the same policy headers set directly.
func Preflight() echo.MiddlewareFunc {
	cors := echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: preflightMethods,
		AllowHeaders: []string{"*"},
		MaxAge:       preflightMaxAge,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withCORS := cors(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodOptions || req.Header.Get(echo.HeaderOrigin) != "" {
				return withCORS(c)
			}

			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, strings.Join(preflightMethods, ","))
			h.Set(echo.HeaderAccessControlAllowHeaders, "*")
			h.Set(echo.HeaderAccessControlMaxAge, strconv.Itoa(preflightMaxAge))
			return c.NoContent(http.StatusNoContent)
		}
	}
}

// StrictTransport sends HSTS on HTTPS responses and nothing else.
func StrictTransport() echo.MiddlewareFunc {
	return echomw.SecureWithConfig(echomw.SecureConfig{
		HSTSMaxAge:         hstsMaxAge,
		HSTSPreloadEnabled: true,
	})
}
