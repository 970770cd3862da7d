// Package store persists the control plane's entities in Postgres and
// enforces the invariants that must hold transactionally: the last-admin
// protection and address allocation uniqueness (§3, §5, §8).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cloudfire/signal/internal/model"
)

// ErrConflict is returned when an optimistic-concurrency or uniqueness
// invariant would be violated by a write.
var ErrConflict = errors.New("store: conflict")

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrCantDisableLastAdmin / ErrCantDeleteLastAdmin are returned by the
// actor-mutation methods when the mutation would leave an account with
// zero non-disabled, non-deleted admins (§3, §5, §8).
var (
	ErrCantDisableLastAdmin = errors.New("store: cannot disable the last admin")
	ErrCantDeleteLastAdmin  = errors.New("store: cannot delete the last admin")
)

// ErrAddressPoolExhausted is returned by AllocateAddress when no
// assignable address remains in the given CIDR.
var ErrAddressPoolExhausted = errors.New("store: address pool exhausted")

// Store is the persistence interface consumed by every component. A
// single Postgres-backed implementation (PgStore) is provided; the
// interface exists so handler/session/flow code can be tested against
// an in-memory fake without a database.
type Store interface {
	Close()

	// Accounts
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountBySlug(ctx context.Context, slug string) (*model.Account, error)

	// Actors
	GetActor(ctx context.Context, accountID, actorID string) (*model.Actor, error)
	ListActors(ctx context.Context, accountID string) ([]*model.Actor, error)
	CreateActor(ctx context.Context, a *model.Actor) error
	// DisableActor and DeleteActor enforce the last-admin invariant inside
	// a single serializable transaction (§5). Idempotent: disabling an
	// already-disabled actor succeeds as a no-op; deleting an
	// already-deleted actor returns ErrNotFound.
	DisableActor(ctx context.Context, accountID, actorID string) error
	EnableActor(ctx context.Context, accountID, actorID string) error
	DeleteActor(ctx context.Context, accountID, actorID string) error
	CountActiveAdmins(ctx context.Context, accountID string) (int, error)

	// Identities
	GetIdentityByProvider(ctx context.Context, provider, providerIdentifier string) (*model.Identity, error)
	TouchIdentity(ctx context.Context, identityID string, at time.Time) error

	// Groups / Memberships
	GetGroup(ctx context.Context, accountID, groupID string) (*model.Group, error)
	ListGroups(ctx context.Context, accountID string) ([]*model.Group, error)
	CreateGroup(ctx context.Context, g *model.Group) error
	DeleteGroup(ctx context.Context, accountID, groupID string) error
	GroupsForActor(ctx context.Context, accountID, actorID string) ([]string, error)
	MembersOfGroup(ctx context.Context, accountID, groupID string) ([]string, error)
	AddMembership(ctx context.Context, m *model.Membership) error
	RemoveMembership(ctx context.Context, accountID, actorID, groupID string) error

	// Resources
	GetResource(ctx context.Context, accountID, resourceID string) (*model.Resource, error)
	ListResources(ctx context.Context, accountID string) ([]*model.Resource, error)
	ResourcesForGroups(ctx context.Context, accountID string, groupIDs []string) ([]*model.Resource, error)
	PutResource(ctx context.Context, r *model.Resource) error
	DeleteResource(ctx context.Context, accountID, resourceID string) error

	// Policies
	GetPolicy(ctx context.Context, accountID, policyID string) (*model.Policy, error)
	ListPolicies(ctx context.Context, accountID string) ([]*model.Policy, error)
	PoliciesForGroups(ctx context.Context, accountID string, groupIDs []string) ([]*model.Policy, error)
	PolicyForGroupResource(ctx context.Context, accountID, groupID, resourceID string) (*model.Policy, error)
	// PutPolicy enforces the (actor_group, resource) uniqueness invariant
	// among non-deleted policies of the account (§3, §8).
	PutPolicy(ctx context.Context, p *model.Policy) error
	DisablePolicy(ctx context.Context, accountID, policyID string) error
	EnablePolicy(ctx context.Context, accountID, policyID string) error
	DeletePolicy(ctx context.Context, accountID, policyID string) error

	// Gateway groups
	GatewayGroupsForResource(ctx context.Context, accountID, resourceID string) ([]string, error)
	GatewayGroupsByIDs(ctx context.Context, accountID string, ids []string) ([]*model.GatewayGroup, error)

	// Address allocation (§3, §6, §8)
	AllocateAddress(ctx context.Context, accountID string, family model.AddressFamily, cidr string, offset int, reserved []string, clientID string) (string, error)
	ReleaseAddress(ctx context.Context, accountID string, family model.AddressFamily, inet string) error

	// Relays (§3, §4.G). AccountID == "" denotes the global pool.
	UpsertRelay(ctx context.Context, r *model.Relay) error
	TouchRelay(ctx context.Context, relayID string, at time.Time) error
	RelayCandidates(ctx context.Context, accountID string) ([]*model.Relay, error)
	DeleteRelay(ctx context.Context, relayID string) error
	DeleteStaleRelays(ctx context.Context, olderThan time.Time) (int, error)

	// Flows
	InsertFlow(ctx context.Context, f *model.Flow) error
	ListFlows(ctx context.Context, accountID string, limit int) ([]*model.Flow, error)

	// Tokens
	CreateToken(ctx context.Context, t *model.Token, secret []byte) error
	ListTokens(ctx context.Context, accountID string) ([]*model.Token, error)
	VerifyToken(ctx context.Context, accountID string, tokenType model.TokenType, secret []byte) (*model.Token, error)
	RevokeToken(ctx context.Context, accountID, tokenID string) error
}
