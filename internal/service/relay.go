// Package service implements the relay pipeline: target resolution, header
// forging, size probing, content-type gating, redirect correction and
// response header remapping.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cors-relay/internal/client"
	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
	"cors-relay/internal/model"
)

// RelayService sequences one relay operation per ProxyRequest.
// It holds no per-request state and is safe for concurrent use.
type RelayService struct {
	client  *client.UpstreamClient
	cfg     config.RelayConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:  c,
		cfg:     cfg.Relay,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// ProtocolVersion is the value sent in the --ver header.
func (s *RelayService) ProtocolVersion() int {
	return s.cfg.ProtocolVersion
}

// ResolveTarget is Resolve with the rejection counted in relay metrics.
func (s *RelayService) ResolveTarget(raw string) (*model.Target, error) {
	t, err := Resolve(raw)
	if err != nil {
		s.recordOutcome(err)
	}
	return t, err
}

// Relay forwards pr to its target and returns the remapped response.
// The caller is responsible for closing the response body.
//
// Local rejections are returned as *RejectError; any other error means the
// target could not be reached.
func (s *RelayService) Relay(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	resp, err := s.relay(pr)
	s.recordOutcome(err)
	return resp, err
}

func (s *RelayService) relay(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	method := pr.Method
	if method == "" {
		method = http.MethodGet
	}

	header := ForgeRequestHeaders(pr.Header, pr.Target)

	var body io.Reader
	var contentLength int64
	if method == http.MethodPost && pr.Body != nil {
		body = pr.Body
		contentLength = pr.ContentLength
	}

	state := model.RetryState{RawLen: pr.ExpectedLength}
	target := pr.Target
	probeSeeded := false

	for {
		declared, err := s.probe(pr.Ctx, target, header)
		if err != nil {
			return nil, err
		}
		if s.cfg.VerifyProbeLength && state.RetryCount == 0 && state.RawLen == "" && declared >= 0 {
			state.RawLen = strconv.FormatInt(declared, 10)
			probeSeeded = true
		}

		s.logger.Debug("relaying request",
			"method", method,
			"host", target.Host(),
			"attempt", state.RetryCount+1,
		)

		resp, err := s.client.DoStream(pr.Ctx, method, target.String(), header, body, contentLength)
		if err != nil {
			return nil, fmt.Errorf("forward to %s: %w", target.Host(), err)
		}
		// A request body can only be sent once; corrected retries go without it.
		body, contentLength = nil, 0

		if pr.API {
			ct := resp.Header.Get("Content-Type")
			if !ContentTypeAllowed(ct, s.cfg.APIContentTypes) {
				_ = resp.Body.Close()
				return nil, reject(ErrUnsupportedContentType, strings.ToLower(ct))
			}
		}

		newLen := resp.Header.Get("Content-Length")
		// A chunked answer has no length to hold against the probe's.
		if state.RawLen != "" && !(probeSeeded && newLen == "") {
			if newLen != state.RawLen {
				if state.RetryCount < s.cfg.Correction.MaxRetry {
					if next := readCorrection(s.cfg.Correction, target, newLen, resp); next != nil {
						_ = resp.Body.Close()
						s.logger.Info("retrying with corrected target",
							"from_host", target.Host(),
							"to_host", next.Host(),
							"retry", state.RetryCount+1,
						)
						s.recordCorrection("retried")
						state.RetryCount++
						target = next
						continue
					}
				}
				s.recordCorrection("failed")
				s.logger.Warn("content length mismatch",
					"host", target.Host(),
					"got", newLen,
					"expected", state.RawLen,
				)
				return nil, &RejectError{
					Kind:   ErrLengthMismatch,
					Detail: fmt.Sprintf("bad len: %s, except: %s", newLen, state.RawLen),
					Body:   resp.Body,
				}
			}
		}

		return s.respond(method, target, resp, pr.ExposeOld, state), nil
	}
}

// probe issues the HEAD size check. Probe failures are ignored; the only
// error it returns is the too-large rejection. It returns the declared
// length or -1.
func (s *RelayService) probe(ctx context.Context, target *model.Target, header http.Header) (int64, error) {
	if s.cfg.ProbeTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.ProbeTimeoutSeconds)*time.Second)
		defer cancel()
	}

	n, err := s.client.Probe(ctx, target.String(), header)
	if err != nil {
		s.logger.Debug("size probe failed", "host", target.Host(), "err", err)
		if s.metrics != nil {
			s.metrics.ProbeFailures.Inc()
		}
		return -1, nil
	}
	if n > s.cfg.MaxSizeBytes {
		return n, reject(ErrPayloadTooLarge, strconv.FormatInt(n, 10))
	}
	return n, nil
}

// respond builds the client-facing response from the final origin response.
func (s *RelayService) respond(method string, target *model.Target, resp *model.ProxyResponse, exposeOld bool, state model.RetryState) *model.ProxyResponse {
	header, expose := RemapResponseHeaders(resp.Header, exposeOld)

	if state.RawLen != "" && state.RetryCount > 1 {
		header.Set(HeaderRetry, strconv.Itoa(state.RetryCount))
	}

	header.Set("Access-Control-Expose-Headers", strings.Join(expose, ","))
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set(HeaderStatus, strconv.Itoa(resp.StatusCode))
	header.Set(HeaderVersion, strconv.Itoa(s.cfg.ProtocolVersion))
	header.Set(HeaderWorkersPath, resp.FinalURL)
	header.Set(HeaderProxyMethod, method)
	header.Set(HeaderProxyTarget, target.String())

	return &model.ProxyResponse{
		StatusCode: ShiftRedirectStatus(resp.StatusCode),
		Header:     header,
		Body:       resp.Body,
		FinalURL:   resp.FinalURL,
	}
}

func (s *RelayService) recordOutcome(err error) {
	if s.metrics == nil {
		return
	}
	outcome := metrics.OutcomeRelayed
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTarget):
		outcome = metrics.OutcomeInvalidTarget
	case errors.Is(err, ErrPayloadTooLarge):
		outcome = metrics.OutcomeTooLarge
	case errors.Is(err, ErrUnsupportedContentType):
		outcome = metrics.OutcomeUnsupportedType
	case errors.Is(err, ErrLengthMismatch):
		outcome = metrics.OutcomeLengthMismatch
	default:
		outcome = metrics.OutcomeError
	}
	s.metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
}

func (s *RelayService) recordCorrection(result string) {
	if s.metrics != nil {
		s.metrics.Corrections.WithLabelValues(result).Inc()
	}
}
