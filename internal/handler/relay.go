package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"cors-relay/internal/model"
	"cors-relay/internal/service"
)

// Route prefixes whose remainder is the target URL.
const (
	fetchPrefix = "/fetch/"
	apiPrefix   = "/api/"
)

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(https?://)[^/\s@"]+@`)

// RelayHandler dispatches /fetch/ and /api/ requests to the relay service.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Fetch relays a plain GET to the target; the content-type gate is off.
func (h *RelayHandler) Fetch(c echo.Context) error {
	return h.handle(c, fetchPrefix, false)
}

// API relays the inbound method (and body, for POST) with the content-type gate on.
func (h *RelayHandler) API(c echo.Context) error {
	return h.handle(c, apiPrefix, true)
}

func (h *RelayHandler) handle(c echo.Context, prefix string, api bool) error {
	req := c.Request()

	// The target keeps its query string, so work on the raw request URI.
	raw := strings.TrimPrefix(req.URL.RequestURI(), prefix)

	target, err := h.service.ResolveTarget(raw)
	if err != nil {
		return h.mapError(c, err)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: http.MethodGet,
		Target: target,
		Header: req.Header,
		API:    api,
	}
	if api {
		pr.Method = req.Method
		pr.Body = req.Body
		pr.ContentLength = req.ContentLength
	}

	resp, err := h.service.Relay(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Stream the origin body directly to the client. If the copy fails
	// mid-stream the status has already been sent, so the client sees a
	// truncated response; the error is only logged.
	if err := h.copyBody(c, resp); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"host", target.Host(),
		)
	}

	return nil
}

// copyBody streams resp to the client. Bodies without a declared length
// (event streams, chunked APIs) are flushed after every read.
func (h *RelayHandler) copyBody(c echo.Context, resp *model.ProxyResponse) error {
	w := c.Response()
	if resp.Header.Get("Content-Length") != "" {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	var rej *service.RejectError
	if errors.As(err, &rej) {
		h.logger.Info("relay rejected",
			"reason", rej.Kind.Error(),
			"detail", sanitizeError(errors.New(rej.Detail)),
		)
		switch {
		case errors.Is(err, service.ErrInvalidTarget):
			return h.text(c, http.StatusForbidden, "invalid proxy url: "+rej.Detail)
		case errors.Is(err, service.ErrPayloadTooLarge):
			return h.text(c, http.StatusRequestEntityTooLarge, "Payload Too Large")
		case errors.Is(err, service.ErrUnsupportedContentType):
			return h.text(c, http.StatusUnsupportedMediaType, "Unsupported Content-Type for /api/: "+rej.Detail)
		case errors.Is(err, service.ErrLengthMismatch):
			return h.lengthMismatch(c, rej)
		}
	}

	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return h.text(c, http.StatusGatewayTimeout, "relay error:\nupstream request timed out")
	}

	if errors.Is(err, context.Canceled) {
		return h.text(c, http.StatusBadGateway, "relay error:\nclient disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return h.text(c, http.StatusBadGateway, "relay error:\nupstream host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return h.text(c, http.StatusBadGateway, "relay error:\nupstream connection failed: "+sanitizeError(urlErr.Err))
	}

	return h.text(c, http.StatusBadGateway, "relay error:\n"+sanitizeError(err))
}

// lengthMismatch answers 400 with the diagnostic in --error and the origin body attached.
func (h *RelayHandler) lengthMismatch(c echo.Context, rej *service.RejectError) error {
	hdr := c.Response().Header()
	hdr.Set(service.HeaderError, rej.Detail)
	hdr.Set(echo.HeaderAccessControlExposeHeaders, service.HeaderError)
	setProtocolHeaders(hdr, h.service.ProtocolVersion())

	if rej.Body == nil {
		return c.NoContent(http.StatusBadRequest)
	}
	defer func() { _ = rej.Body.Close() }()
	c.Response().WriteHeader(http.StatusBadRequest)
	if _, err := io.Copy(c.Response(), rej.Body); err != nil {
		h.logger.Error("streaming mismatch body", "err", sanitizeError(err))
	}
	return nil
}

func (h *RelayHandler) text(c echo.Context, status int, msg string) error {
	setProtocolHeaders(c.Response().Header(), h.service.ProtocolVersion())
	return c.String(status, msg)
}

// setProtocolHeaders marks a locally generated response.
func setProtocolHeaders(hdr http.Header, version int) {
	hdr.Set(service.HeaderVersion, strconv.Itoa(version))
	hdr.Set(echo.HeaderAccessControlAllowOrigin, "*")
}

// sanitizeError redacts URL credentials from error messages that may contain target URLs.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
