package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfire/signal/internal/model"
)

func now() *time.Time {
	t := time.Now()
	return &t
}

func TestVisibleResources_DeduplicatesAndSkipsDisabledPolicies(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1", "group-2"},
		policies: []*model.Policy{
			{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"},
			{ID: "p2", ActorGroupID: "group-2", ResourceID: "res-1"}, // same resource, different group: deduped
			{ID: "p3", ActorGroupID: "group-1", ResourceID: "res-2", DisabledAt: now()},
		},
		resources: []*model.Resource{
			{ID: "res-1", Name: "db"},
			{ID: "res-2", Name: "disabled-resource"},
		},
	}
	r := New(s)

	resources, policies, err := r.VisibleResources(context.Background(), "acct-1", "actor-1")
	require.NoError(t, err)
	assert.Len(t, resources, 1)
	assert.Contains(t, resources, "res-1")
	assert.Len(t, policies, 1)
	assert.Equal(t, "p1", policies["res-1"].ID)
}

func TestVisibleResources_NoMembershipsIsEmpty(t *testing.T) {
	s := &fakeStore{}
	r := New(s)

	resources, policies, err := r.VisibleResources(context.Background(), "acct-1", "actor-1")
	require.NoError(t, err)
	assert.Empty(t, resources)
	assert.Empty(t, policies)
}

func TestVisibleResources_SkipsDeletedResource(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies:       []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:      []*model.Resource{{ID: "res-1", DeletedAt: now()}},
	}
	r := New(s)

	resources, _, err := r.VisibleResources(context.Background(), "acct-1", "actor-1")
	require.NoError(t, err)
	assert.Empty(t, resources)
}

func TestRender_RewritesAddressForLegacyClient(t *testing.T) {
	s := &fakeStore{}
	r := New(s)
	res := &model.Resource{ID: "res-1", Address: "**.internal.example.com"}

	view, ok, err := r.Render(context.Background(), res, semver.New("1.0.0"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "*.internal.example.com", view.Address)
}

func TestRender_OmitsResourceUnrepresentableByLegacyClient(t *testing.T) {
	s := &fakeStore{}
	r := New(s)
	res := &model.Resource{ID: "res-1", Address: "db.*.example.com"}

	_, ok, err := r.Render(context.Background(), res, semver.New("1.0.0"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRender_ExcludesDeletedGatewayGroups(t *testing.T) {
	s := &fakeStore{
		gatewayGroupsByIDs: []*model.GatewayGroup{
			{ID: "gg-1", Name: "office"},
			{ID: "gg-2", Name: "stale", DeletedAt: now()},
		},
	}
	r := New(s)
	res := &model.Resource{ID: "res-1", Address: "db.example.com", GatewayGroupIDs: []string{"gg-1", "gg-2"}}

	view, ok, err := r.Render(context.Background(), res, semver.New("1.3.0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, view.GatewayGroups, 1)
	assert.Equal(t, "gg-1", view.GatewayGroups[0].ID)
}

func TestGatewaysMeetingRequirement(t *testing.T) {
	gateways := []*model.Gateway{
		{ID: "gw-old", LastSeenVersion: "1.0.5"},
		{ID: "gw-new", LastSeenVersion: "1.2.0"},
		{ID: "gw-bad-version", LastSeenVersion: "not-semver"},
	}

	out := GatewaysMeetingRequirement(gateways, semver.New("1.1.0"), false)
	require.Len(t, out, 1)
	assert.Equal(t, "gw-new", out[0].ID)
}

func TestResolveDelta_RevokedWithNoOtherGrantPushesDelete(t *testing.T) {
	s := &fakeStore{} // no groups/policies/resources: resource no longer visible
	r := New(s)

	deltas, err := r.ResolveDelta(context.Background(), "acct-1", "actor-1", "res-1", true, "policy_disabled", semver.New("1.3.0"))
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, DeltaDelete, deltas[0].Kind)
	assert.Equal(t, "res-1", deltas[0].ID)
}

func TestResolveDelta_NewlyVisiblePushesUpsert(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies:       []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:      []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
	}
	r := New(s)

	deltas, err := r.ResolveDelta(context.Background(), "acct-1", "actor-1", "res-1", false, "policy_created", semver.New("1.3.0"))
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, DeltaUpsert, deltas[0].Kind)
	assert.Equal(t, "res-1", deltas[0].View.ID)
}

func TestResolveDelta_RevokeThenRegrantReannounces(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies:       []*model.Policy{{ID: "p2", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:      []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
	}
	r := New(s)

	deltas, err := r.ResolveDelta(context.Background(), "acct-1", "actor-1", "res-1", true, "policy_disabled", semver.New("1.3.0"))
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, DeltaDelete, deltas[0].Kind)
	assert.Equal(t, DeltaUpsert, deltas[1].Kind)
}

func TestResolveDelta_PlainResourceUpdateWithNoPolicyChurnPushesSingleUpsert(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies:       []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:      []*model.Resource{{ID: "res-1", Name: "renamed-db", Address: "db.example.com"}},
	}
	r := New(s)

	deltas, err := r.ResolveDelta(context.Background(), "acct-1", "actor-1", "res-1", true, "resource_created_or_updated", semver.New("1.3.0"))
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, DeltaUpsert, deltas[0].Kind)
	assert.Equal(t, "renamed-db", deltas[0].View.Name)
}

func TestResolveDelta_NeitherVisibleIsNoOp(t *testing.T) {
	s := &fakeStore{}
	r := New(s)

	deltas, err := r.ResolveDelta(context.Background(), "acct-1", "actor-1", "res-1", false, "resource_deleted", semver.New("1.3.0"))
	require.NoError(t, err)
	assert.Nil(t, deltas)
}
