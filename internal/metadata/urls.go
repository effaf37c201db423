package metadata

import (
	"net/url"
	"strings"
)

// trackingParams are query keys that never change the page a URL points at.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid",
}

// NormalizeURL canonicalizes a URL for identity comparison.
// Scheme and host are lowercased, "www." and default ports are dropped,
// the fragment and tracking parameters are removed, remaining query keys are
// sorted and a trailing slash is trimmed from the path.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	host = strings.TrimPrefix(host, "www.")
	switch {
	case parsed.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case parsed.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	parsed.Host = host

	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range trackingParams {
			q.Del(param)
		}
		// Encode sorts by key
		parsed.RawQuery = q.Encode()
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.RawPath = ""

	return parsed.String(), nil
}

// CanonicalKey returns the normalized form of rawURL, or rawURL itself when it
// cannot be parsed. It never fails, so it is safe to use as a map key.
func CanonicalKey(rawURL string) string {
	if n, err := NormalizeURL(rawURL); err == nil && n != "" {
		return n
	}
	return rawURL
}

// ExtractDomain returns the lowercase host of rawURL without port or "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}
