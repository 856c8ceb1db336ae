package service

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"cors-relay/internal/model"
)

// schemePrefix matches an http(s) scheme in any case followed by any number
// of slashes, including none. Browsers and intermediaries collapse "//"
// inside paths, so "https:/x", "https:///x" and "https:x" all arrive and are
// repaired to "https://x".
var schemePrefix = regexp.MustCompile(`(?i)^(https?):/*`)

// Resolve parses raw into an absolute http(s) Target.
// It performs no network access.
func Resolve(raw string) (*model.Target, error) {
	fixed := schemePrefix.ReplaceAllString(raw, "$1://")

	u, err := url.Parse(fixed)
	if err != nil {
		return nil, reject(ErrInvalidTarget, fixed)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, reject(ErrInvalidTarget, fixed)
	}

	return &model.Target{URL: u, Origin: origin(u)}, nil
}

// origin serializes scheme and host the way browsers do: lower-case host,
// default port omitted.
func origin(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return u.Scheme + "://" + host
	}
	return u.Scheme + "://" + net.JoinHostPort(strings.Trim(host, "[]"), port)
}
