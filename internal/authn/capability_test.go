package authn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudfire/signal/internal/model"
)

func TestCapabilitiesForRole_Admin(t *testing.T) {
	caps := CapabilitiesForRole(model.ActorRoleAdmin)
	assert.Contains(t, caps, CapActorWrite)
	assert.Contains(t, caps, CapPolicyWrite)
	assert.Contains(t, caps, CapTokenWrite)
	assert.Contains(t, caps, CapFlowRead)
}

func TestCapabilitiesForRole_UnprivilegedIsReadOnly(t *testing.T) {
	caps := CapabilitiesForRole(model.ActorRoleUnprivileged)
	assert.Equal(t, []string{CapResourceRead}, caps)
}

func TestRoleImplies_UnprivilegedSubjectCannotGrantAdmin(t *testing.T) {
	subject := &model.Subject{Permissions: permissionSet(CapabilitiesForRole(model.ActorRoleUnprivileged))}
	missing := RoleImplies(subject, model.ActorRoleAdmin)
	assert.NotEmpty(t, missing)
	assert.Contains(t, missing, CapActorWrite)
}

func TestRoleImplies_AdminSubjectCanGrantAdmin(t *testing.T) {
	subject := &model.Subject{Permissions: permissionSet(CapabilitiesForRole(model.ActorRoleAdmin))}
	missing := RoleImplies(subject, model.ActorRoleAdmin)
	assert.Empty(t, missing)
}

func TestRoleImplies_AnyRoleCanGrantUnprivileged(t *testing.T) {
	subject := &model.Subject{Permissions: permissionSet(CapabilitiesForRole(model.ActorRoleUnprivileged))}
	missing := RoleImplies(subject, model.ActorRoleUnprivileged)
	assert.Empty(t, missing)
}

func TestCheckPrivilegeEscalation(t *testing.T) {
	unprivileged := &model.Subject{Permissions: permissionSet(CapabilitiesForRole(model.ActorRoleUnprivileged))}
	err := CheckPrivilegeEscalation(unprivileged, model.ActorRoleAdmin)
	assert.Error(t, err)

	admin := &model.Subject{Permissions: permissionSet(CapabilitiesForRole(model.ActorRoleAdmin))}
	assert.NoError(t, CheckPrivilegeEscalation(admin, model.ActorRoleAdmin))
}
