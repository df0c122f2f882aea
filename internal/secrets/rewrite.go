// Package secrets rewrites request headers at forward time, substituting a
// detected fake credential with the real one. Detection itself lives in the
// policy store (the fake secret is configuration); this package only ever
// touches the outgoing copy, so the inbound request stays unmodified for the
// pass-through case.
package secrets

import (
	"net/http"
	"strings"
)

// RewriteHeaders returns a new header set with every occurrence of fake in
// every value replaced by real. The Host header is dropped; the upstream URL
// carries the authority.
func RewriteHeaders(h http.Header, fake, real string) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		if http.CanonicalHeaderKey(key) == "Host" {
			continue
		}
		rewritten := make([]string, len(values))
		for i, v := range values {
			rewritten[i] = strings.ReplaceAll(v, fake, real)
		}
		out[key] = rewritten
	}
	return out
}

// CloneHeaders returns a copy with the Host header dropped and values
// otherwise untouched, for forwarding requests that carry no fake secret.
func CloneHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		if http.CanonicalHeaderKey(key) == "Host" {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

// ContainsSecret reports whether any header value still substring-contains
// the given secret. Used as a post-rewrite invariant check in tests.
func ContainsSecret(h http.Header, secret string) bool {
	if secret == "" {
		return false
	}
	for _, values := range h {
		for _, v := range values {
			if strings.Contains(v, secret) {
				return true
			}
		}
	}
	return false
}
