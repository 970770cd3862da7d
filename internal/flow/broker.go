// Package flow implements the Flow Broker (§4.H): the request/reply
// correlation engine tying a Client session's RPCs to a Gateway
// session's deliveries and back, plus ICE candidate relaying and Flow
// audit writes.
package flow

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/policy"
	"github.com/cloudfire/signal/internal/resolver"
	"github.com/cloudfire/signal/internal/store"
	"github.com/coreos/go-semver/semver"
)

// ReplyTimeout is the default bound on a cross-session RPC awaiting a
// Gateway reply (§5 "Timeouts").
const ReplyTimeout = 30 * time.Second

// GatewayDeliverer sends a payload to a specific Gateway's session
// inbox. Implemented by internal/session's GatewaySession registry; the
// Broker depends on the interface, not the concrete session type, to
// avoid an import cycle between flow and session.
type GatewayDeliverer interface {
	DeliverToGateway(gatewayID string, kind string, payload any) error
	GatewayOnline(gatewayID string) (remoteIP string, publicKey string, version string, ok bool)
	GatewaysForGroups(groupIDs []string) []GatewayView
}

// GatewayView is the subset of online-gateway state the Broker needs to
// pick a candidate without depending on internal/session's types.
type GatewayView struct {
	ID              string
	GatewayGroupID  string
	PublicKey       string
	RemoteIP        string
	LastSeenVersion string
	InFlightFlows   int
}

// Broker correlates Client RPCs with Gateway replies via a ref-keyed
// table of pending waiters.
type Broker struct {
	store    store.Store
	resolver *resolver.Resolver
	deliver  GatewayDeliverer

	mu      sync.Mutex
	pending map[string]chan any // ref -> reply channel
	refSeq  uint64
}

func New(s store.Store, r *resolver.Resolver, deliver GatewayDeliverer) *Broker {
	return &Broker{store: s, resolver: r, deliver: deliver, pending: make(map[string]chan any)}
}

func (b *Broker) newRef() string {
	b.mu.Lock()
	b.refSeq++
	n := b.refSeq
	b.mu.Unlock()
	return "flow-" + strconv.FormatUint(n, 10)
}

// ConnectReply is the Gateway's `{connect, ref, resource_id,
// gateway_public_key, gateway_payload}` reply, or its `allow_access`
// analogue for reuse_connection (§4.H RPCs 2–3).
type ConnectReply struct {
	ResourceID          string `json:"resource_id"`
	GatewayPublicKey    string `json:"gateway_public_key"`
	GatewayPayload      string `json:"gateway_payload"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
}

// PrepareConnectionResult is the success shape of RPC 1 (§4.H).
type PrepareConnectionResult struct {
	GatewayID       string `json:"gateway_id"`
	GatewayRemoteIP string `json:"gateway_remote_ip"`
	ResourceID      string `json:"resource_id"`
}

// PrepareConnection implements §4.H RPC 1: resolve a resource to an
// online, version-compatible Gateway without brokering a connection.
func (b *Broker) PrepareConnection(ctx context.Context, subject *model.Subject, resourceID string, clientVersion *semver.Version) (*PrepareConnectionResult, error) {
	res, grantingPolicy, err := b.authorizeResourceVisible(ctx, subject, resourceID)
	if err != nil {
		return nil, err
	}

	groups, err := b.store.GatewayGroupsForResource(ctx, subject.Account.ID, res.ID)
	if err != nil {
		return nil, err
	}
	candidates := b.deliver.GatewaysForGroups(groups)
	requiresNonLeadingGlob := addressHasNonLeadingGlob(res.Address)

	var best *GatewayView
	for i := range candidates {
		gw := &candidates[i]
		gv, ok := model.ParseClientVersion(gw.LastSeenVersion)
		if !ok {
			continue
		}
		floor := model.GatewayVersionRequirement(clientVersion)
		if !model.GatewayMeetsRequirement(gv, floor, requiresNonLeadingGlob) {
			continue
		}
		if best == nil || gw.InFlightFlows < best.InFlightFlows {
			best = gw
		}
	}
	if best == nil {
		return nil, apierr.New(apierr.KindOffline)
	}

	_ = grantingPolicy // authorization-condition evaluation happens in reuse/request_connection, not here (§4.H)
	return &PrepareConnectionResult{GatewayID: best.ID, GatewayRemoteIP: best.RemoteIP, ResourceID: res.ID}, nil
}

func (b *Broker) authorizeResourceVisible(ctx context.Context, subject *model.Subject, resourceID string) (*model.Resource, *model.Policy, error) {
	visible, policies, err := b.resolver.VisibleResources(ctx, subject.Account.ID, subject.Actor.ID)
	if err != nil {
		return nil, nil, err
	}
	res, ok := visible[resourceID]
	if !ok {
		return nil, nil, apierr.New(apierr.KindNotFound)
	}
	return res, policies[resourceID], nil
}

func addressHasNonLeadingGlob(address string) bool {
	segments := splitDot(address)
	for i, seg := range segments {
		if i == 0 {
			continue
		}
		if containsGlobChar(seg) {
			return true
		}
	}
	return false
}

func splitDot(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func containsGlobChar(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '*' || s[i] == '?' {
			return true
		}
	}
	return false
}

// Connect implements §4.H RPCs 2 and 3: authorize against the policy's
// conditions, deliver the request to the Gateway's session, and await
// its reply with ReplyTimeout. kind is either "allow_access" (reuse) or
// "request_connection" (fresh).
func (b *Broker) Connect(ctx context.Context, subject *model.Subject, kind, resourceID, gatewayID string, payload map[string]any) (*ConnectReply, error) {
	res, grantingPolicy, err := b.authorizeResourceVisible(ctx, subject, resourceID)
	if err != nil {
		return nil, err
	}

	remoteIP, publicKey, _, ok := b.deliver.GatewayOnline(gatewayID)
	if !ok {
		return nil, apierr.New(apierr.KindOffline)
	}
	_ = publicKey

	if grantingPolicy != nil && len(grantingPolicy.Conditions) > 0 {
		providerID := ""
		if subject.Identity != nil {
			providerID = subject.Identity.Provider
		}
		clientCtx := policy.ClientContext{
			Region:     subject.Context.Region,
			RemoteIP:   subject.Context.RemoteIP,
			ProviderID: providerID,
		}
		violated := policy.Conforms(grantingPolicy.Conditions, clientCtx)
		if len(violated) > 0 {
			return nil, apierr.Forbidden(violated)
		}
	}

	ref := b.newRef()
	replyCh := make(chan any, 1)
	b.mu.Lock()
	b.pending[ref] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, ref)
		b.mu.Unlock()
	}()

	envelope := map[string]any{
		"ref":                       ref,
		"resource_id":               res.ID,
		"client_id":                 subject.Actor.ID,
		"authorization_expires_at":  subject.ExpiresAt,
	}
	for k, v := range payload {
		envelope[k] = v
	}

	if err := b.deliver.DeliverToGateway(gatewayID, kind, envelope); err != nil {
		return nil, apierr.New(apierr.KindOffline)
	}

	if _, insertErr := b.writeFlow(ctx, subject, gatewayID, res.ID, grantingPolicy, remoteIP); insertErr != nil {
		return nil, insertErr
	}

	select {
	case raw := <-replyCh:
		reply, ok := raw.(ConnectReply)
		if !ok {
			return nil, apierr.New(apierr.KindOffline)
		}
		return &reply, nil
	case <-time.After(ReplyTimeout):
		return nil, apierr.New(apierr.KindOffline)
	case <-ctx.Done():
		return nil, apierr.New(apierr.KindClosed)
	}
}

// Resolve delivers a Gateway's `connect`/`allow_access` reply to the
// Client RPC awaiting ref. Returns an error if ref is unknown (the
// Client already timed out or closed).
func (b *Broker) Resolve(ref string, reply ConnectReply) error {
	b.mu.Lock()
	ch, ok := b.pending[ref]
	b.mu.Unlock()
	if !ok {
		return errors.New("flow: unknown ref")
	}
	select {
	case ch <- reply:
	default:
	}
	return nil
}

func (b *Broker) writeFlow(ctx context.Context, subject *model.Subject, gatewayID, resourceID string, p *model.Policy, gatewayRemoteIP string) (*model.Flow, error) {
	policyID := ""
	if p != nil {
		policyID = p.ID
	}
	f := &model.Flow{
		AccountID:       subject.Account.ID,
		ClientID:        subject.Actor.ID,
		GatewayID:       gatewayID,
		PolicyID:        policyID,
		ResourceID:      resourceID,
		AuthorizedAt:    time.Now().UTC(),
		ExpiresAt:       subject.ExpiresAt,
		ClientRemoteIP:  subject.Context.RemoteIP,
		GatewayRemoteIP: gatewayRemoteIP,
	}
	if err := b.store.InsertFlow(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// BroadcastICECandidates implements §4.H's two fire-and-forget relays.
// invalidate selects between `ice_candidates` and
// `invalidate_ice_candidates` delivery kind.
func (b *Broker) BroadcastICECandidates(clientID string, candidates []string, gatewayIDs []string, traceContext string, invalidate bool) {
	if len(gatewayIDs) == 0 {
		return
	}
	kind := "ice_candidates"
	if invalidate {
		kind = "invalidate_ice_candidates"
	}
	for _, gwID := range gatewayIDs {
		_ = b.deliver.DeliverToGateway(gwID, kind, map[string]any{
			"client_id":     clientID,
			"candidates":    candidates,
			"trace_context": traceContext,
		})
	}
}
