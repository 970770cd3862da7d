package model

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// ParseClientVersion parses a client-reported version string, rejecting
// non-semver strings ("development", "unknown", …) per §4.D / §9's open
// question — the spec says reject, so no compile-time bypass is wired
// in here.
func ParseClientVersion(v string) (*semver.Version, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, false
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, false
	}
	return sv, true
}

// SupportsNonLeadingGlob reports whether a client of the given version
// can represent a wildcard in a non-leading position (1.1.0+).
func SupportsNonLeadingGlob(v *semver.Version) bool {
	if v == nil {
		return false
	}
	return !v.LessThan(*semver.New("1.1.0"))
}

// PreVersionLegacy reports whether a client predates 1.2, in which case
// resource addresses must be rewritten for backwards compatibility
// (§4.D).
func PreVersionLegacy(v *semver.Version) bool {
	if v == nil {
		return true
	}
	return v.LessThan(*semver.New("1.2.0"))
}

// GatewayVersionRequirement derives the minimum Gateway semver required
// to serve a Client of the given version: pre-1.1 clients accept any
// Gateway (`> 0.0.0`); 1.1.x clients require >= 1.1.0; later bands
// follow the same floor as the client's own minor version.
func GatewayVersionRequirement(clientVersion *semver.Version) *semver.Version {
	if clientVersion == nil || clientVersion.LessThan(*semver.New("1.1.0")) {
		return semver.New("0.0.0")
	}
	return &semver.Version{Major: clientVersion.Major, Minor: clientVersion.Minor, Patch: 0}
}

// GatewayMeetsRequirement reports whether a gateway's version satisfies
// the floor derived above, and — when the resource's address uses a
// non-leading glob — additionally requires 1.1.0+ support.
func GatewayMeetsRequirement(gatewayVersion *semver.Version, floor *semver.Version, requiresNonLeadingGlob bool) bool {
	if gatewayVersion == nil {
		return false
	}
	if gatewayVersion.LessThan(*floor) {
		return false
	}
	if requiresNonLeadingGlob && !SupportsNonLeadingGlob(gatewayVersion) {
		return false
	}
	return true
}
