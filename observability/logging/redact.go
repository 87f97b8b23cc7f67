package logging

import (
	"net/url"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// keyishSegmentLen is the shortest path or query token treated as a provider
// API key. Hosted RPC endpoints embed project keys in the URL path.
const keyishSegmentLen = 16

// RedactURL masks credentials and key-like tokens in an RPC endpoint so the
// URL can be logged. Unparseable input is fully redacted.
func RedactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return RedactedValue
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	if u.Path != "" {
		segments := strings.Split(u.Path, "/")
		for i, segment := range segments {
			if len(segment) >= keyishSegmentLen {
				segments[i] = RedactedValue
			}
		}
		u.Path = strings.Join(segments, "/")
		u.RawPath = ""
	}
	if u.RawQuery != "" {
		u.RawQuery = "key=" + RedactedValue
	}
	// URL.String percent-escapes the brackets in RedactedValue wherever the
	// placeholder was substituted; restore the literal form for log output.
	return strings.ReplaceAll(u.String(), "%5BREDACTED%5D", RedactedValue)
}

// RedactURLs applies RedactURL to every endpoint in the slice.
func RedactURLs(raw []string) []string {
	out := make([]string, len(raw))
	for i, endpoint := range raw {
		out[i] = RedactURL(endpoint)
	}
	return out
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}
