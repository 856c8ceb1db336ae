// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Target is a validated absolute upstream URL.
type Target struct {
	URL    *url.URL
	Origin string // scheme://host[:port], no trailing slash
}

// Scheme returns the target URL scheme (http or https).
func (t *Target) Scheme() string { return t.URL.Scheme }

// Host returns the target host including any port.
func (t *Target) Host() string { return t.URL.Host }

// Path returns the unescaped target path.
func (t *Target) Path() string { return t.URL.Path }

// Query returns the raw query string without the leading '?'.
func (t *Target) Query() string { return t.URL.RawQuery }

// String returns the full target URL.
func (t *Target) String() string { return t.URL.String() }

// ProxyRequest represents a client request to be relayed to a target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *Target
	Header http.Header
	Body   io.ReadCloser
	// ContentLength of Body; 0 or -1 means unknown.
	ContentLength int64

	// API enables the response content-type gate.
	API bool
	// ExposeOld selects the legacy header-exposure convention.
	ExposeOld bool
	// ExpectedLength seeds RetryState.RawLen; empty disables the length check.
	ExpectedLength string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// FinalURL is the URL that produced this response.
	FinalURL string
}

// RetryState is threaded through the attempts of one relay operation.
type RetryState struct {
	RawLen     string
	RetryCount int
}
