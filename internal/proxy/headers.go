// ABOUTME: Request validation and header filtering for forward-proxy traffic
// ABOUTME: Only absolute http(s) URIs are accepted, hop-by-hop headers never travel

package proxy

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrConnectNotSupported rejects tunnel requests.
	ErrConnectNotSupported = errors.New("CONNECT is not supported")
	// ErrNotAbsoluteURL rejects origin-form requests.
	ErrNotAbsoluteURL = errors.New("request URI is not an absolute http(s) URL")
)

// hopByHop headers are meaningful only for a single transport hop.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Proxy-Authorization": true,
	"Proxy-Authenticate":  true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Te":                  true,
	"Trailers":            true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// TargetURL returns the absolute URL a proxy request asks for.
func TargetURL(r *http.Request) (string, error) {
	if r.Method == http.MethodConnect {
		return "", ErrConnectNotSupported
	}
	u := r.URL
	if u == nil || !u.IsAbs() || u.Host == "" {
		return "", ErrNotAbsoluteURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrNotAbsoluteURL
	}
	return u.String(), nil
}

// FilterHeaders flattens h for the wire, dropping hop-by-hop headers and any
// header the Connection header names. Repeated values are joined with ", ".
func FilterHeaders(h http.Header) map[string]string {
	drop := connectionTokens(h)
	out := make(map[string]string, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop[canonical] || drop[canonical] {
			continue
		}
		out[canonical] = strings.Join(values, ", ")
	}
	return out
}

// skipResponseHeader reports whether a captured response header must not be
// replayed to the client. The body is re-framed locally and arrives decoded.
func skipResponseHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	return hopByHop[canonical] || canonical == "Content-Length" || canonical == "Content-Encoding"
}

func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}
