// Package urlnorm canonicalizes raw citation URLs into stable dedup keys.
package urlnorm

import (
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidURL marks a URL that cannot be canonicalized. Callers are
// expected to skip the offending citation rather than abort the batch.
var ErrInvalidURL = errors.New("urlnorm: invalid url")

// Normalized is the canonical form of a raw URL.
type Normalized struct {
	// CanonicalURL is the parser round-trip of the input: scheme and host
	// lowercased, default ports stripped, path and query preserved.
	CanonicalURL string
	// Hostname is the host with any leading "www." stripped, lowercased.
	Hostname string
}

// Normalize parses raw and returns its canonical URL and hostname.
// Only absolute http/https URLs with a host are accepted. Normalizing an
// already-canonical URL returns the same value.
func Normalize(raw string) (Normalized, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Normalized{}, eris.Wrapf(ErrInvalidURL, "parse %q: %v", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Normalized{}, eris.Wrapf(ErrInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Normalized{}, eris.Wrapf(ErrInvalidURL, "missing host in %q", raw)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)

	// Equivalent representations collapse: the default port is dropped.
	if port := u.Port(); (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		u.Host = u.Hostname()
	}

	hostname := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	return Normalized{
		CanonicalURL: u.String(),
		Hostname:     hostname,
	}, nil
}
