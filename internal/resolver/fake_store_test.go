package resolver

import (
	"context"
	"time"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
)

// fakeStore is a minimal in-memory store.Store, exercising exactly the
// resolver's dependency surface. Every other method panics if called,
// surfacing any test that reaches further than intended.
type fakeStore struct {
	groupsForActor     []string
	policies           []*model.Policy
	resources          []*model.Resource
	gatewayGroupsByIDs []*model.GatewayGroup
}

func (f *fakeStore) Close() {}

func (f *fakeStore) GroupsForActor(ctx context.Context, accountID, actorID string) ([]string, error) {
	return f.groupsForActor, nil
}
func (f *fakeStore) PoliciesForGroups(ctx context.Context, accountID string, groupIDs []string) ([]*model.Policy, error) {
	return f.policies, nil
}
func (f *fakeStore) ResourcesForGroups(ctx context.Context, accountID string, groupIDs []string) ([]*model.Resource, error) {
	return f.resources, nil
}
func (f *fakeStore) GatewayGroupsByIDs(ctx context.Context, accountID string, ids []string) ([]*model.GatewayGroup, error) {
	return f.gatewayGroupsByIDs, nil
}

func (f *fakeStore) GetAccount(ctx context.Context, id string) (*model.Account, error) { panic("unused") }
func (f *fakeStore) GetAccountBySlug(ctx context.Context, slug string) (*model.Account, error) {
	panic("unused")
}
func (f *fakeStore) GetActor(ctx context.Context, accountID, actorID string) (*model.Actor, error) {
	panic("unused")
}
func (f *fakeStore) ListActors(ctx context.Context, accountID string) ([]*model.Actor, error) {
	panic("unused")
}
func (f *fakeStore) CreateActor(ctx context.Context, a *model.Actor) error     { panic("unused") }
func (f *fakeStore) DisableActor(ctx context.Context, accountID, actorID string) error {
	panic("unused")
}
func (f *fakeStore) EnableActor(ctx context.Context, accountID, actorID string) error {
	panic("unused")
}
func (f *fakeStore) DeleteActor(ctx context.Context, accountID, actorID string) error {
	panic("unused")
}
func (f *fakeStore) CountActiveAdmins(ctx context.Context, accountID string) (int, error) {
	panic("unused")
}
func (f *fakeStore) GetIdentityByProvider(ctx context.Context, provider, providerIdentifier string) (*model.Identity, error) {
	panic("unused")
}
func (f *fakeStore) TouchIdentity(ctx context.Context, identityID string, at time.Time) error {
	panic("unused")
}
func (f *fakeStore) GetGroup(ctx context.Context, accountID, groupID string) (*model.Group, error) {
	panic("unused")
}
func (f *fakeStore) ListGroups(ctx context.Context, accountID string) ([]*model.Group, error) {
	panic("unused")
}
func (f *fakeStore) CreateGroup(ctx context.Context, g *model.Group) error { panic("unused") }
func (f *fakeStore) DeleteGroup(ctx context.Context, accountID, groupID string) error {
	panic("unused")
}
func (f *fakeStore) MembersOfGroup(ctx context.Context, accountID, groupID string) ([]string, error) {
	panic("unused")
}
func (f *fakeStore) AddMembership(ctx context.Context, m *model.Membership) error { panic("unused") }
func (f *fakeStore) RemoveMembership(ctx context.Context, accountID, actorID, groupID string) error {
	panic("unused")
}
func (f *fakeStore) GetResource(ctx context.Context, accountID, resourceID string) (*model.Resource, error) {
	panic("unused")
}
func (f *fakeStore) ListResources(ctx context.Context, accountID string) ([]*model.Resource, error) {
	panic("unused")
}
func (f *fakeStore) PutResource(ctx context.Context, r *model.Resource) error { panic("unused") }
func (f *fakeStore) DeleteResource(ctx context.Context, accountID, resourceID string) error {
	panic("unused")
}
func (f *fakeStore) GetPolicy(ctx context.Context, accountID, policyID string) (*model.Policy, error) {
	panic("unused")
}
func (f *fakeStore) ListPolicies(ctx context.Context, accountID string) ([]*model.Policy, error) {
	panic("unused")
}
func (f *fakeStore) PolicyForGroupResource(ctx context.Context, accountID, groupID, resourceID string) (*model.Policy, error) {
	panic("unused")
}
func (f *fakeStore) PutPolicy(ctx context.Context, p *model.Policy) error { panic("unused") }
func (f *fakeStore) DisablePolicy(ctx context.Context, accountID, policyID string) error {
	panic("unused")
}
func (f *fakeStore) EnablePolicy(ctx context.Context, accountID, policyID string) error {
	panic("unused")
}
func (f *fakeStore) DeletePolicy(ctx context.Context, accountID, policyID string) error {
	panic("unused")
}
func (f *fakeStore) GatewayGroupsForResource(ctx context.Context, accountID, resourceID string) ([]string, error) {
	panic("unused")
}
func (f *fakeStore) AllocateAddress(ctx context.Context, accountID string, family model.AddressFamily, cidr string, offset int, reserved []string, clientID string) (string, error) {
	panic("unused")
}
func (f *fakeStore) ReleaseAddress(ctx context.Context, accountID string, family model.AddressFamily, inet string) error {
	panic("unused")
}
func (f *fakeStore) UpsertRelay(ctx context.Context, r *model.Relay) error { panic("unused") }
func (f *fakeStore) TouchRelay(ctx context.Context, relayID string, at time.Time) error {
	panic("unused")
}
func (f *fakeStore) RelayCandidates(ctx context.Context, accountID string) ([]*model.Relay, error) {
	panic("unused")
}
func (f *fakeStore) DeleteRelay(ctx context.Context, relayID string) error { panic("unused") }
func (f *fakeStore) DeleteStaleRelays(ctx context.Context, olderThan time.Time) (int, error) {
	panic("unused")
}
func (f *fakeStore) InsertFlow(ctx context.Context, fl *model.Flow) error { panic("unused") }
func (f *fakeStore) ListFlows(ctx context.Context, accountID string, limit int) ([]*model.Flow, error) {
	panic("unused")
}
func (f *fakeStore) CreateToken(ctx context.Context, t *model.Token, secret []byte) error {
	panic("unused")
}
func (f *fakeStore) ListTokens(ctx context.Context, accountID string) ([]*model.Token, error) {
	panic("unused")
}
func (f *fakeStore) VerifyToken(ctx context.Context, accountID string, tokenType model.TokenType, secret []byte) (*model.Token, error) {
	panic("unused")
}
func (f *fakeStore) RevokeToken(ctx context.Context, accountID, tokenID string) error {
	panic("unused")
}

var _ store.Store = (*fakeStore)(nil)
