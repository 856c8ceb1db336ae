package service

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"cors-relay/internal/config"
	"cors-relay/internal/model"
)

// correctionEligible reports whether t belongs to the CDN family whose
// signed URLs answer with a short body naming the real location.
func correctionEligible(cc config.CorrectionConfig, t *model.Target) bool {
	host := strings.ToLower(t.URL.Hostname())
	return strings.HasSuffix(host, cc.HostSuffix) && strings.HasPrefix(t.URL.Path, cc.PathPrefix)
}

// readCorrection reads resp's body as a corrected target URL. It returns nil
// when current is not eligible, the body is longer than the configured cap,
// or the body is not an eligible URL. Bytes consumed from resp.Body are put
// back so the body can still be forwarded on failure.
func readCorrection(cc config.CorrectionConfig, current *model.Target, declaredLen string, resp *model.ProxyResponse) *model.Target {
	if !correctionEligible(cc, current) {
		return nil
	}
	if n, err := strconv.ParseInt(declaredLen, 10, 64); err == nil && n > cc.MaxBodyBytes {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, cc.MaxBodyBytes+1))
	resp.Body = rewound(data, resp.Body)
	if err != nil || int64(len(data)) > cc.MaxBodyBytes {
		return nil
	}

	next, err := Resolve(strings.TrimSpace(string(data)))
	if err != nil || !correctionEligible(cc, next) {
		return nil
	}
	return next
}

type readCloser struct {
	io.Reader
	io.Closer
}

// rewound returns a body that yields prefix before the rest of rc.
func rewound(prefix []byte, rc io.ReadCloser) io.ReadCloser {
	if len(prefix) == 0 {
		return rc
	}
	return readCloser{Reader: io.MultiReader(bytes.NewReader(prefix), rc), Closer: rc}
}
