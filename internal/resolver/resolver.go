// Package resolver implements the Resource Resolver (§4.D): derives
// the deduplicated set of Resources an Actor's memberships make
// visible, renders them to the client-facing view (applying legacy
// glob rewriting and gateway version filtering), and computes the
// deltas that change events must push.
package resolver

import (
	"context"
	"sort"

	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/store"
	"github.com/coreos/go-semver/semver"
)

// GatewayGroupRef is the {id, name} shape embedded in a resource view.
type GatewayGroupRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// View is the client-facing rendering of a Resource, §4.D point 3.
type View struct {
	ID                 string              `json:"id"`
	Type               model.ResourceType  `json:"type"`
	Name               string              `json:"name"`
	Address            string              `json:"address"`
	AddressDescription string              `json:"address_description"`
	GatewayGroups      []GatewayGroupRef   `json:"gateway_groups"`
	Filters            []model.Filter      `json:"filters"`
}

// Resolver derives and renders the resource set visible to a Client.
type Resolver struct {
	store store.Store
}

func New(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// VisibleResources derives §4.D steps 1–2 for actorID: its group
// memberships, the non-disabled non-deleted policies gating those
// groups, and the deduplicated resource set those policies grant.
// Returns the resources alongside the policy that grants each —
// callers need the policy to evaluate Conditions (§4.C) before
// exposing a resource to a particular request context.
func (r *Resolver) VisibleResources(ctx context.Context, accountID, actorID string) (map[string]*model.Resource, map[string]*model.Policy, error) {
	groupIDs, err := r.store.GroupsForActor(ctx, accountID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if len(groupIDs) == 0 {
		return map[string]*model.Resource{}, map[string]*model.Policy{}, nil
	}

	policies, err := r.store.PoliciesForGroups(ctx, accountID, groupIDs)
	if err != nil {
		return nil, nil, err
	}

	resourceIDs := make(map[string]struct{})
	grantingPolicy := make(map[string]*model.Policy)
	for _, p := range policies {
		if p.DisabledAt != nil || p.DeletedAt != nil {
			continue
		}
		if _, seen := resourceIDs[p.ResourceID]; !seen {
			resourceIDs[p.ResourceID] = struct{}{}
			grantingPolicy[p.ResourceID] = p
		}
	}

	resources, err := r.store.ResourcesForGroups(ctx, accountID, groupIDs)
	if err != nil {
		return nil, nil, err
	}

	out := make(map[string]*model.Resource, len(resourceIDs))
	for _, res := range resources {
		if _, ok := resourceIDs[res.ID]; ok && res.DeletedAt == nil {
			out[res.ID] = res
		}
	}
	return out, grantingPolicy, nil
}

// Render applies §4.D's backwards-compat and gateway-version rules and
// produces the wire view for resource as seen by a client of the given
// version. ok is false when the resource must be omitted entirely
// (non-leading glob against a legacy client).
func (r *Resolver) Render(ctx context.Context, res *model.Resource, clientVersion *semver.Version) (View, bool, error) {
	address := res.Address
	if model.PreVersionLegacy(clientVersion) {
		rewritten := model.RewriteAddressForLegacyClient(address)
		if rewritten.Omit {
			return View{}, false, nil
		}
		address = rewritten.Address
	}

	groups, err := r.store.GatewayGroupsByIDs(ctx, res.AccountID, res.GatewayGroupIDs)
	if err != nil {
		return View{}, false, err
	}
	refs := make([]GatewayGroupRef, 0, len(groups))
	for _, g := range groups {
		if g.DeletedAt != nil {
			continue
		}
		refs = append(refs, GatewayGroupRef{ID: g.ID, Name: g.Name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })

	return View{
		ID:                 res.ID,
		Type:               res.Type,
		Name:               res.Name,
		Address:            address,
		AddressDescription: res.AddressDescription,
		GatewayGroups:      refs,
		Filters:            res.Filters,
	}, true, nil
}

// GatewaysMeetingRequirement filters gateways to those whose version
// satisfies the floor derived from the client's version, additionally
// requiring 1.1.0+ support when the resource's rendered address uses a
// non-leading glob (§4.D "Version selection").
func GatewaysMeetingRequirement(gateways []*model.Gateway, clientVersion *semver.Version, requiresNonLeadingGlob bool) []*model.Gateway {
	floor := model.GatewayVersionRequirement(clientVersion)
	out := make([]*model.Gateway, 0, len(gateways))
	for _, gw := range gateways {
		gv, ok := model.ParseClientVersion(gw.LastSeenVersion)
		if !ok {
			continue
		}
		if model.GatewayMeetsRequirement(gv, floor, requiresNonLeadingGlob) {
			out = append(out, gw)
		}
	}
	return out
}

// DeltaKind enumerates the two push shapes a change can produce.
type DeltaKind string

const (
	DeltaUpsert DeltaKind = "resource_created_or_updated"
	DeltaDelete DeltaKind = "resource_deleted"
)

// Delta is one resolver-driven push to a Client session.
type Delta struct {
	Kind DeltaKind
	View View   // set when Kind == DeltaUpsert
	ID   string // set when Kind == DeltaDelete
}

// ChangeEvent is one of the six event types the resolver subscribes to
// (§4.D "Change propagation").
type ChangeEvent struct {
	Type       string // resource_created_or_updated | resource_deleted | policy_created | policy_updated | policy_disabled | policy_enabled | policy_deleted | membership_added | membership_removed
	ResourceID string
	PolicyID   string
	ActorID    string
	GroupID    string
}

// isPolicyChurn reports whether eventType is one of the policy
// lifecycle events the §4.D revoke-then-regrant rule applies to. A
// plain resource edit (resource_created_or_updated) or a membership
// change carries no such churn — those get a single upsert, never a
// spurious delete-then-recreate.
func isPolicyChurn(eventType string) bool {
	switch eventType {
	case "policy_disabled", "policy_enabled", "policy_deleted", "policy_created", "policy_updated":
		return true
	default:
		return false
	}
}

// ResolveDelta recomputes the visibility of a changed resource for
// actorID and returns the delta(s) to push. Implements the §4.D rule:
// if a revoked policy still leaves the resource granted by another
// live policy, a resource_deleted is pushed immediately followed by a
// resource_created_or_updated, so the client re-learns the same
// resource under its remaining grant. That double push only applies
// when the triggering event was policy churn (disable/enable/delete/
// create/update) — a plain resource attribute change that leaves the
// resource visible throughout gets a single upsert.
func (r *Resolver) ResolveDelta(ctx context.Context, accountID, actorID, resourceID string, wasVisible bool, eventType string, clientVersion *semver.Version) ([]Delta, error) {
	visible, _, err := r.VisibleResources(ctx, accountID, actorID)
	if err != nil {
		return nil, err
	}
	res, stillVisible := visible[resourceID]

	switch {
	case wasVisible && !stillVisible:
		return []Delta{{Kind: DeltaDelete, ID: resourceID}}, nil
	case !wasVisible && stillVisible:
		view, ok, err := r.Render(ctx, res, clientVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []Delta{{Kind: DeltaUpsert, View: view}}, nil
	case wasVisible && stillVisible && isPolicyChurn(eventType):
		// Revocation-then-regrant (e.g. a denying policy replaced by a
		// granting one in the same transaction window): re-announce so
		// the client picks up any rendering change.
		view, ok, err := r.Render(ctx, res, clientVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []Delta{{Kind: DeltaDelete, ID: resourceID}}, nil
		}
		return []Delta{
			{Kind: DeltaDelete, ID: resourceID},
			{Kind: DeltaUpsert, View: view},
		}, nil
	case wasVisible && stillVisible:
		// Plain attribute update with no policy churn: re-render once,
		// no delete/recreate churn toward the client.
		view, ok, err := r.Render(ctx, res, clientVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []Delta{{Kind: DeltaDelete, ID: resourceID}}, nil
		}
		return []Delta{{Kind: DeltaUpsert, View: view}}, nil
	default:
		return nil, nil
	}
}
