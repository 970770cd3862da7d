package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/flow"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/presence"
	"github.com/cloudfire/signal/internal/pubsub"
	"github.com/cloudfire/signal/internal/relay"
	"github.com/cloudfire/signal/internal/resolver"
	"github.com/cloudfire/signal/internal/store"
	"github.com/coreos/go-semver/semver"
)

// maxTokenHorizon bounds how far out a token_expired timer may be
// scheduled (§4.E step 4: "if expires_at exceeds a sane horizon... do
// not schedule; the session shall not crash"). time.Timer silently
// misbehaves past roughly 290 years on 32-bit platforms; 3 years is
// the spec's own example and comfortably clears any real token TTL.
const maxTokenHorizon = 3 * 365 * 24 * time.Hour

// RelayConfig configures relay selection for a session (§4.G).
type RelayConfig struct {
	Count      int
	Freshness  time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{Count: relay.DefaultCount, Freshness: presence.RelayStaleAfter}
}

// ClientSession is the per-Client state machine of §4.E.
type ClientSession struct {
	id      string
	subject *model.Subject
	conn    Conn

	store    store.Store
	registry *presence.Registry
	bus      *pubsub.Bus
	resolver *resolver.Resolver
	broker   *flow.Broker
	relayCfg RelayConfig

	clientVersion *semver.Version
	geo           model.GeoPoint

	mu      sync.Mutex
	visible map[string]bool // resource ids currently pushed to the client
	relays  map[string]bool // relay ids currently pushed

	inbox chan Inbound
}

// NewClientSession constructs a session for an already-authenticated
// Subject. version is the client's self-reported version string,
// validated in Run.
func NewClientSession(
	id string,
	subject *model.Subject,
	conn Conn,
	s store.Store,
	registry *presence.Registry,
	bus *pubsub.Bus,
	res *resolver.Resolver,
	broker *flow.Broker,
	relayCfg RelayConfig,
	geo model.GeoPoint,
) *ClientSession {
	return &ClientSession{
		id: id, subject: subject, conn: conn,
		store: s, registry: registry, bus: bus, resolver: res, broker: broker,
		relayCfg: relayCfg, geo: geo,
		visible: make(map[string]bool), relays: make(map[string]bool),
		inbox: make(chan Inbound, 64),
	}
}

// Inbox returns the channel the transport layer feeds decoded frames
// into.
func (c *ClientSession) Inbox() chan<- Inbound { return c.inbox }

// Run drives the session to completion: join validation, presence
// registration, initial push, then the event loop. It returns when the
// session closes, for any reason.
func (c *ClientSession) Run(ctx context.Context, versionStr string) error {
	version, ok := model.ParseClientVersion(versionStr)
	if !ok {
		c.conn.Send("disconnect", map[string]any{"reason": "invalid_version"})
		return apierr.InvalidVersion()
	}
	c.clientVersion = version

	accountID := c.subject.Account.ID
	clientTopic := "client:" + c.id
	resourcesTopic := "resources:" + accountID
	policiesTopic := "policies:" + accountID
	membershipTopic := "memberships:" + accountID + ":" + c.subject.Actor.ID
	clientsTopic := presence.ClientsTopic(accountID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.registry.Join(clientsTopic, c.id, map[string]any{"actor_id": c.subject.Actor.ID}, c.id)
	defer c.registry.Leave(clientsTopic, c.id)

	directCh := c.bus.Subscribe(runCtx, clientTopic)
	resourcesCh := c.bus.Subscribe(runCtx, resourcesTopic)
	policiesCh := c.bus.Subscribe(runCtx, policiesTopic)
	membershipCh := c.bus.Subscribe(runCtx, membershipTopic)

	relayTopic := presence.RelaysTopic(accountID)
	relayEvents := c.registry.Subscribe(runCtx, relayTopic)
	var globalRelayEvents <-chan presence.Event
	if len(c.registry.List(relayTopic)) == 0 {
		globalRelayEvents = c.registry.Subscribe(runCtx, presence.GlobalRelaysTopic)
	}

	var expiryTimer *time.Timer
	if horizon := time.Until(c.subject.ExpiresAt); horizon > 0 && horizon <= maxTokenHorizon {
		expiryTimer = time.NewTimer(horizon)
		defer expiryTimer.Stop()
	}

	if err := c.pushInit(runCtx); err != nil {
		return err
	}

	for {
		var expiryC <-chan time.Time
		if expiryTimer != nil {
			expiryC = expiryTimer.C
		}

		select {
		case <-ctx.Done():
			return nil

		case <-expiryC:
			c.conn.Send("disconnect", map[string]any{"reason": "token_expired"})
			return apierr.TokenExpired()

		case msg, ok := <-c.inbox:
			if !ok {
				return nil
			}
			c.dispatch(runCtx, msg)

		case evt, ok := <-directCh:
			if !ok {
				return nil
			}
			c.handleDirectEvent(evt)
			return nil

		case evt, ok := <-resourcesCh:
			if !ok {
				return nil
			}
			c.handleResourceChange(runCtx, evt)

		case evt, ok := <-policiesCh:
			if !ok {
				return nil
			}
			c.handlePolicyChange(runCtx, evt)

		case _, ok := <-membershipCh:
			if !ok {
				return nil
			}
			c.handleMembershipChange(runCtx)

		case evt, ok := <-relayEvents:
			if !ok {
				continue
			}
			c.handleRelayPresence(evt)

		case evt, ok := <-globalRelayEvents:
			if !ok {
				continue
			}
			c.handleRelayPresence(evt)
		}
	}
}

// handleDirectEvent handles any event published to this client's
// direct topic — currently only used for forced disconnect.
func (c *ClientSession) handleDirectEvent(pubsub.Event) {
	c.conn.Send("disconnect", map[string]any{"reason": "shutdown"})
}

func (c *ClientSession) pushInit(ctx context.Context) error {
	resourceViews, err := c.renderVisibleResources(ctx)
	if err != nil {
		return err
	}

	candidates, err := c.store.RelayCandidates(ctx, c.subject.Account.ID)
	if err != nil {
		return err
	}
	chosen := relay.Select(candidates, c.geo, c.relayCfg.Freshness, c.relayCfg.Count)
	relayCreds := make([]relay.Credential, 0, len(chosen)*2)
	for _, r := range chosen {
		c.relays[r.ID] = true
		relayCreds = append(relayCreds, relay.Credentials(r, c.id, time.Now())...)
	}

	dns := model.UpstreamDNSFromConfig(c.subject.Account.Config)

	return c.conn.Send("init", map[string]any{
		"resources": resourceViews,
		"interface": map[string]any{
			"ipv4":         "",
			"ipv6":         "",
			"upstream_dns": dns,
		},
		"relays": relayCreds,
	})
}

func (c *ClientSession) renderVisibleResources(ctx context.Context) ([]resolver.View, error) {
	visible, _, err := c.resolver.VisibleResources(ctx, c.subject.Account.ID, c.subject.Actor.ID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]resolver.View, 0, len(visible))
	for id, res := range visible {
		view, ok, err := c.resolver.Render(ctx, res, c.clientVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c.visible[id] = true
		views = append(views, view)
	}
	return views, nil
}

func (c *ClientSession) handleResourceChange(ctx context.Context, evt pubsub.Event) {
	change, ok := evt.Payload.(resolver.ChangeEvent)
	if !ok {
		return
	}
	c.pushResourceDelta(ctx, change.ResourceID, change.Type)
}

func (c *ClientSession) handlePolicyChange(ctx context.Context, evt pubsub.Event) {
	change, ok := evt.Payload.(resolver.ChangeEvent)
	if !ok {
		return
	}
	c.pushResourceDelta(ctx, change.ResourceID, change.Type)
}

func (c *ClientSession) handleMembershipChange(ctx context.Context) {
	visible, _, err := c.resolver.VisibleResources(ctx, c.subject.Account.ID, c.subject.Actor.ID)
	if err != nil {
		return
	}

	c.mu.Lock()
	var toCheck []string
	for id := range visible {
		toCheck = append(toCheck, id)
	}
	for id := range c.visible {
		if _, ok := visible[id]; !ok {
			toCheck = append(toCheck, id)
		}
	}
	c.mu.Unlock()

	for _, id := range toCheck {
		c.pushResourceDelta(ctx, id, "membership_changed")
	}
}

func (c *ClientSession) pushResourceDelta(ctx context.Context, resourceID, eventType string) {
	c.mu.Lock()
	wasVisible := c.visible[resourceID]
	c.mu.Unlock()

	deltas, err := c.resolver.ResolveDelta(ctx, c.subject.Account.ID, c.subject.Actor.ID, resourceID, wasVisible, eventType, c.clientVersion)
	if err != nil {
		return
	}

	for _, d := range deltas {
		switch d.Kind {
		case resolver.DeltaUpsert:
			c.mu.Lock()
			c.visible[resourceID] = true
			c.mu.Unlock()
			c.conn.Send("resource_created_or_updated", d.View)
		case resolver.DeltaDelete:
			c.mu.Lock()
			delete(c.visible, resourceID)
			c.mu.Unlock()
			c.conn.Send("resource_deleted", map[string]any{"id": d.ID})
		}
	}
}

func (c *ClientSession) handleRelayPresence(evt presence.Event) {
	switch evt.Kind {
	case presence.EventLeave:
		c.mu.Lock()
		_, had := c.relays[evt.Key]
		delete(c.relays, evt.Key)
		c.mu.Unlock()
		if had {
			c.conn.Send("relays_presence", map[string]any{
				"disconnected_ids": []string{evt.Key},
				"connected":        []relay.Credential{},
			})
		}
	case presence.EventJoin:
		c.mu.Lock()
		c.relays[evt.Key] = true
		c.mu.Unlock()
	}
}

func (c *ClientSession) dispatch(ctx context.Context, msg Inbound) {
	var result Outbound
	switch msg.Kind {
	case "prepare_connection":
		resourceID, _ := msg.Payload["resource_id"].(string)
		res, err := c.broker.PrepareConnection(ctx, c.subject, resourceID, c.clientVersion)
		result = toOutbound(res, err)

	case "reuse_connection":
		result = c.dispatchConnect(ctx, "allow_access", msg.Payload)

	case "request_connection":
		result = c.dispatchConnect(ctx, "request_connection", msg.Payload)

	case "broadcast_ice_candidates":
		c.dispatchBroadcast(msg.Payload, false)
		result = Outbound{OK: true}

	case "broadcast_invalidated_ice_candidates":
		c.dispatchBroadcast(msg.Payload, true)
		result = Outbound{OK: true}

	default:
		result = Outbound{Err: fmt.Errorf("session: unknown inbound kind %q", msg.Kind)}
	}

	if msg.Reply != nil {
		msg.Reply <- result
	}
}

func (c *ClientSession) dispatchConnect(ctx context.Context, kind string, payload map[string]any) Outbound {
	resourceID, _ := payload["resource_id"].(string)
	gatewayID, _ := payload["gateway_id"].(string)

	forward := map[string]any{}
	for _, k := range []string{"client_payload", "client_preshared_key"} {
		if v, ok := payload[k]; ok {
			forward[k] = v
		}
	}

	reply, err := c.broker.Connect(ctx, c.subject, kind, resourceID, gatewayID, forward)
	return toOutbound(reply, err)
}

func (c *ClientSession) dispatchBroadcast(payload map[string]any, invalidate bool) {
	candidates := toStringSlice(payload["candidates"])
	gatewayIDs := toStringSlice(payload["gateway_ids"])
	traceContext, _ := payload["trace_context"].(string)
	c.broker.BroadcastICECandidates(c.subject.Actor.ID, candidates, gatewayIDs, traceContext, invalidate)
}

func toOutbound(v any, err error) Outbound {
	if err != nil {
		return Outbound{Err: err}
	}
	return Outbound{OK: true, Value: v}
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
