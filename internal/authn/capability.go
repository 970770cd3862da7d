// Package authn resolves an opaque bearer token and request context into
// a Subject, and enforces capability and privilege-escalation checks
// (§4.A, §9 "Capability checks").
package authn

import "github.com/cloudfire/signal/internal/model"

// Capability tokens a Subject may carry. Every mutating operation in
// §4.D–H declares the capability it requires; the check is a membership
// test against Subject.Permissions.
const (
	CapActorRead       = "actor:read"
	CapActorWrite      = "actor:write"
	CapGroupWrite      = "group:write"
	CapMembershipWrite = "membership:write"
	CapResourceRead    = "resource:read"
	CapResourceWrite   = "resource:write"
	CapPolicyRead      = "policy:read"
	CapPolicyWrite     = "policy:write"
	CapTokenWrite      = "token:write"
	CapFlowRead        = "flow:read"
)

// adminCapabilities is the full capability set granted to ActorRoleAdmin.
var adminCapabilities = []string{
	CapActorRead, CapActorWrite,
	CapGroupWrite, CapMembershipWrite,
	CapResourceRead, CapResourceWrite,
	CapPolicyRead, CapPolicyWrite,
	CapTokenWrite,
	CapFlowRead,
}

// unprivilegedCapabilities is granted to ActorRoleUnprivileged: enough to
// drive a Client session (read-only on the entities that flow to it),
// nothing that mutates account configuration.
var unprivilegedCapabilities = []string{
	CapResourceRead,
}

// CapabilitiesForRole returns the static role→capability table entry for
// role (§9: "Role→capabilities mapping is a static table").
func CapabilitiesForRole(role model.ActorRole) []string {
	switch role {
	case model.ActorRoleAdmin:
		return adminCapabilities
	default:
		return unprivilegedCapabilities
	}
}

func permissionSet(caps []string) map[string]bool {
	m := make(map[string]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

// RoleImplies reports whether granting role r requires capabilities the
// granting Subject must itself hold (§4.A check_privilege_escalation):
// an actor may only grant a role whose capability set is a subset of
// its own.
func RoleImplies(subject *model.Subject, role model.ActorRole) (missing []string) {
	for _, c := range CapabilitiesForRole(role) {
		if !subject.HasCapability(c) {
			missing = append(missing, c)
		}
	}
	return missing
}
