package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay/internal/client"
	"cors-relay/internal/config"
)

// IndexHandler serves the landing page and the fixed local responses.
type IndexHandler struct {
	client   *client.UpstreamClient
	indexURL string
	version  int
	logger   *slog.Logger
}

// NewIndexHandler creates an IndexHandler.
func NewIndexHandler(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *IndexHandler {
	return &IndexHandler{
		client:   c,
		indexURL: cfg.Relay.IndexURL,
		version:  cfg.Relay.ProtocolVersion,
		logger:   logger.With("component", "index_handler"),
	}
}

// Index fetches the configured landing page and serves it as HTML.
func (h *IndexHandler) Index(c echo.Context) error {
	resp, err := h.client.DoStream(c.Request().Context(), http.MethodGet, h.indexURL, nil, nil, 0)
	if err != nil {
		h.logger.Error("loading index page", "err", sanitizeError(err))
		return c.String(http.StatusBadGateway, "Failed to load index.html")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Error("loading index page", "status", resp.StatusCode)
		return c.String(http.StatusBadGateway, "Failed to load index.html")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming index page", "err", sanitizeError(err))
	}
	return nil
}

// Works answers the liveness check used by browser clients.
func (h *IndexHandler) Works(c echo.Context) error {
	setProtocolHeaders(c.Response().Header(), h.version)
	return c.String(http.StatusOK, "it works")
}

// NotFound answers any path outside the relay routes.
func (h *IndexHandler) NotFound(c echo.Context) error {
	setProtocolHeaders(c.Response().Header(), h.version)
	return c.String(http.StatusNotFound, "invalid path")
}
