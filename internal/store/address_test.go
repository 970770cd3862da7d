package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateCandidates_ScansForwardThenBackwardFromOffset(t *testing.T) {
	// 10.0.0.0/29 -> hosts .1-.6 (.0 network, .7 broadcast)
	candidates, err := enumerateCandidates("10.0.0.0/29", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6", "10.0.0.2", "10.0.0.1"}, candidates)
}

func TestEnumerateCandidates_ExcludesNetworkAndBroadcast(t *testing.T) {
	candidates, err := enumerateCandidates("10.0.0.0/29", 1, nil)
	require.NoError(t, err)
	assert.NotContains(t, candidates, "10.0.0.0")
	assert.NotContains(t, candidates, "10.0.0.7")
}

func TestEnumerateCandidates_ExcludesReserved(t *testing.T) {
	candidates, err := enumerateCandidates("10.0.0.0/29", 1, []string{"10.0.0.1"})
	require.NoError(t, err)
	assert.NotContains(t, candidates, "10.0.0.1")
}

func TestEnumerateCandidates_RejectsInvalidCIDR(t *testing.T) {
	_, err := enumerateCandidates("not-a-cidr", 0, nil)
	assert.Error(t, err)
}

func TestEnumerateCandidates_RejectsTooSmallCIDR(t *testing.T) {
	_, err := enumerateCandidates("10.0.0.0/31", 0, nil)
	assert.Error(t, err)
}

func TestEnumerateCandidates_IPv6(t *testing.T) {
	candidates, err := enumerateCandidates("fd00::/125", 1, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, candidates)
	assert.NotContains(t, candidates, "fd00::")
}
