package model

import "strings"

// GlobRewriteResult is the outcome of rewriting a DNS resource address
// for a legacy (pre-1.2) client per §4.D.
type GlobRewriteResult struct {
	Address string
	Omit    bool // the resource cannot be represented at all for this client
}

// RewriteAddressForLegacyClient applies the backwards-compat rendering
// rule of §4.D: `**` (multi-label glob) becomes `*` when it is a leading
// segment, `?` stays `?` when leading, and the resource is omitted
// entirely if a glob appears in a non-leading position.
func RewriteAddressForLegacyClient(address string) GlobRewriteResult {
	segments := strings.Split(address, ".")
	if len(segments) == 0 {
		return GlobRewriteResult{Address: address}
	}

	leading := segments[0]
	rest := segments[1:]

	for _, seg := range rest {
		if containsGlob(seg) {
			return GlobRewriteResult{Omit: true}
		}
	}

	switch {
	case leading == "**":
		segments[0] = "*"
	case leading == "*", leading == "?":
		// already representable as-is
	case containsGlob(leading):
		// a glob embedded within a leading segment's text (e.g. "us-east?-d")
		// is itself a non-leading-position glob within that label and cannot
		// be represented by a legacy client.
		return GlobRewriteResult{Omit: true}
	}

	return GlobRewriteResult{Address: strings.Join(segments, ".")}
}

func containsGlob(seg string) bool {
	return strings.ContainsAny(seg, "*?")
}
