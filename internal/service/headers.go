package service

import (
	"mime"
	"net/http"
	"slices"
	"strings"

	"cors-relay/internal/model"
)

// Relay protocol headers. Clients of the relay depend on these exact names.
const (
	HeaderVersion     = "--ver"
	HeaderStatus      = "--s"
	HeaderOldExposure = "--t"
	HeaderRetry       = "--retry"
	HeaderError       = "--error"
	HeaderWorkersPath = "cf-workers-path"
	HeaderProxyMethod = "X-Proxy-Method"
	HeaderProxyTarget = "X-Proxy-Target"

	renamedPrefix = "--"
)

// renamedHeaders would be interpreted by the browser or break CORS if relayed
// as-is; they travel under a "--" alias instead.
var renamedHeaders = map[string]bool{
	"access-control-allow-origin":   true,
	"access-control-expose-headers": true,
	"location":                      true,
	"set-cookie":                    true,
}

// safelistedHeaders are CORS-safelisted response headers, readable without exposure.
var safelistedHeaders = map[string]bool{
	"cache-control":    true,
	"content-language": true,
	"content-type":     true,
	"expires":          true,
	"last-modified":    true,
	"pragma":           true,
}

// blockedHeaders would stop the calling page from embedding or reading relayed content.
var blockedHeaders = map[string]bool{
	"content-security-policy":             true,
	"content-security-policy-report-only": true,
	"clear-site-data":                     true,
}

// hopByHopHeaders belong to the origin connection and are never relayed.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// ForgeRequestHeaders copies inbound and forces Referer to the target's own origin.
func ForgeRequestHeaders(inbound http.Header, target *model.Target) http.Header {
	out := inbound.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del("Referer")
	out.Set("Referer", target.Origin+"/")
	return out
}

// ContentTypeAllowed reports whether the media type of ct starts with one of
// the allowed prefixes. Parameters such as charset are ignored.
func ContentTypeAllowed(ct string, allowed []string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(ct))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	} else if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if mediaType == "" {
		return false
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

// RemapResponseHeaders renames CORS-sensitive origin headers to their "--"
// aliases and strips headers that must not reach the browser. It returns the
// new header set and the access-control-expose-headers list, which always
// starts with "*" and ends with "--s".
//
// With exposeOld set, every non-safelisted header is also listed by name and
// the "--t: 1" marker is added so client helpers can detect the convention.
func RemapResponseHeaders(origin http.Header, exposeOld bool) (http.Header, []string) {
	out := make(http.Header, len(origin)+8)
	expose := []string{"*"}

	keys := make([]string, 0, len(origin))
	for k := range origin {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		name := strings.ToLower(key)
		vals := slices.Clone(origin[key])

		switch {
		case hopByHopHeaders[name], blockedHeaders[name]:
			continue
		case renamedHeaders[name]:
			alias := renamedPrefix + name
			out[http.CanonicalHeaderKey(alias)] = vals
			if exposeOld {
				expose = append(expose, alias)
			}
			continue
		case exposeOld && !safelistedHeaders[name]:
			expose = append(expose, name)
		}
		out[key] = vals
	}

	if exposeOld {
		out.Set(HeaderOldExposure, "1")
	}
	expose = append(expose, HeaderStatus)

	return out, expose
}

// ShiftRedirectStatus moves redirect statuses out of the range browsers follow
// automatically: 301, 302, 303, 307 and 308 become 311, 312, 313, 317 and 318.
func ShiftRedirectStatus(status int) int {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return status + 10
	}
	return status
}
