// Package client provides the outbound HTTP client used to reach relay targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
	"cors-relay/internal/model"
)

// UpstreamClient sends requests to arbitrary relay targets.
// Redirects are never followed; 3xx responses are returned to the caller.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// upstream.timeout_seconds bounds the wait for response headers only; a
// relayed body streams for as long as the caller's context allows.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	proxy := http.ProxyFromEnvironment
	if cfg.Upstream.ProxyURL != "" {
		u, err := url.Parse(cfg.Upstream.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream proxy_url: %w", err)
		}
		proxy = http.ProxyURL(u)
	}

	transport := &http.Transport{
		Proxy:               proxy,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return NewUpstreamClientWithTransport(transport, cfg, logger, m), nil
}

// NewUpstreamClientWithTransport creates an UpstreamClient on top of rt.
// Tests use it to route every target host to a local server. When rt is an
// *http.Transport it is configured in place: header timeout from config, and
// compression disabled so bodies and Content-Length pass through unchanged.
func NewUpstreamClientWithTransport(rt http.RoundTripper, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	if t, ok := rt.(*http.Transport); ok {
		t.ResponseHeaderTimeout = time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
		t.DisableCompression = true
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the target and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	finalURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		FinalURL:   finalURL,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. A positive contentLength is announced upstream;
// otherwise a non-nil body is sent chunked.
func (c *UpstreamClient) DoStream(ctx context.Context, method, target string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	if body != nil && contentLength > 0 {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}

// ErrProbeStatus is returned by Probe when the target answers HEAD with a non-2xx status.
var ErrProbeStatus = errors.New("probe: non-2xx status")

// Probe issues a HEAD request and returns the declared content length,
// or -1 when the target does not declare one.
func (c *UpstreamClient) Probe(ctx context.Context, target string, header http.Header) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, http.NoBody)
	if err != nil {
		return -1, fmt.Errorf("build probe request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}

	resp, err := c.Do(req)
	if err != nil {
		return -1, err
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return -1, fmt.Errorf("%w: %d", ErrProbeStatus, resp.StatusCode)
	}

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return -1, fmt.Errorf("probe: bad content-length %q: %w", cl, err)
	}
	return n, nil
}
