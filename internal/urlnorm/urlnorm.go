// Package urlnorm implements the canonical URL normalization used for
// scrape deduplication.
package urlnorm

import (
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrNoSchemeOrHost is returned when the input URL has no scheme or host
// and therefore cannot be normalized.
var ErrNoSchemeOrHost = errors.New("urlnorm: url has no scheme or host")

// defaultTrackingParams lists query parameter names stripped by default
// during normalization.
var defaultTrackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
}

// isTrackingParam reports whether name should be stripped: either it is in
// the default blocklist, or it matches the utm_* family.
func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := defaultTrackingParams[lower]
	return ok
}

// Normalize canonicalizes rawURL for use as a dedup key: it lowercases
// scheme and host, drops default ports, fragments, and known tracking
// query parameters, collapses duplicate and trailing slashes, and sorts
// remaining query parameters. It is idempotent: Normalize(Normalize(u))
// == Normalize(u) for any valid u.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", ErrNoSchemeOrHost
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	// Decode percent-encoding in the path, then let url.URL re-encode the
	// minimal required set when we reassemble the string below.
	if decodedPath, err := url.PathUnescape(u.Path); err == nil {
		u.Path = decodedPath
	}

	// Collapse duplicate slashes.
	for strings.Contains(u.Path, "//") {
		u.Path = strings.ReplaceAll(u.Path, "//", "/")
	}

	// Drop a single trailing slash, except when the path is just "/".
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	u.Fragment = ""

	if u.RawQuery != "" {
		values := u.Query()
		for name := range values {
			if isTrackingParam(name) {
				values.Del(name)
			}
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var qb strings.Builder
		for i, k := range keys {
			if i > 0 {
				qb.WriteByte('&')
			}
			vs := values[k]
			sort.Strings(vs)
			for j, v := range vs {
				if j > 0 {
					qb.WriteByte('&')
				}
				qb.WriteString(url.QueryEscape(k))
				qb.WriteByte('=')
				qb.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = qb.String()
	}

	return u.String(), nil
}

// Host extracts the normalized host (and non-default port, if any) from a
// URL, used as the Domain Coordinator's busy-set key.
func Host(rawURL string) (string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
