package apierr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ErrorStringIncludesKind(t *testing.T) {
	err := New(KindNotFound)
	assert.Equal(t, "not_found", err.Error())
}

func TestError_ErrorStringIncludesDetails(t *testing.T) {
	err := Unauthorized([]string{"policy:write"})
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Contains(t, err.Error(), "policy:write")
}

func TestAs_MatchesErrorType(t *testing.T) {
	var err error = NotFound()
	apiErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, apiErr.Kind)
}

func TestAs_RejectsPlainErrors(t *testing.T) {
	_, ok := As(assert.AnError)
	assert.False(t, ok)
}

func TestForbidden_CarriesViolatedProperties(t *testing.T) {
	err := Forbidden([]string{"remote_ip_location_region"})
	assert.Equal(t, KindForbidden, err.Kind)
	assert.Equal(t, []string{"remote_ip_location_region"}, err.Details["violated_properties"])
}

func TestPrivilegeEscalation_CarriesMissingCapabilities(t *testing.T) {
	err := PrivilegeEscalation([]string{"actor:write"})
	assert.Equal(t, KindUnauthorized, err.Kind)
	assert.Equal(t, []string{"actor:write"}, err.Details["privilege_escalation"])
}
