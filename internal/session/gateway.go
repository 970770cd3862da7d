package session

import (
	"context"
	"sync"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/flow"
	"github.com/cloudfire/signal/internal/presence"
	"github.com/cloudfire/signal/internal/pubsub"
)

// GatewayRegistry tracks online gateways and implements
// flow.GatewayDeliverer, letting the Broker reach a specific Gateway's
// session inbox without depending on the session package's types
// (§4.F "mirror of §4.E").
type GatewayRegistry struct {
	registry *presence.Registry
	bus      *pubsub.Bus

	mu       sync.RWMutex
	sessions map[string]*GatewaySession
}

func NewGatewayRegistry(registry *presence.Registry, bus *pubsub.Bus) *GatewayRegistry {
	return &GatewayRegistry{registry: registry, bus: bus, sessions: make(map[string]*GatewaySession)}
}

func (g *GatewayRegistry) add(gw *GatewaySession) {
	g.mu.Lock()
	g.sessions[gw.id] = gw
	g.mu.Unlock()
}

func (g *GatewayRegistry) remove(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

// DeliverToGateway implements flow.GatewayDeliverer.
func (g *GatewayRegistry) DeliverToGateway(gatewayID, kind string, payload any) error {
	g.mu.RLock()
	gw, ok := g.sessions[gatewayID]
	g.mu.RUnlock()
	if !ok {
		return apierr.Offline()
	}
	return gw.conn.Send(kind, payload)
}

// GatewayOnline implements flow.GatewayDeliverer.
func (g *GatewayRegistry) GatewayOnline(gatewayID string) (remoteIP, publicKey, version string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gw, found := g.sessions[gatewayID]
	if !found {
		return "", "", "", false
	}
	return gw.remoteIP, gw.publicKey, gw.version, true
}

// GatewaysForGroups implements flow.GatewayDeliverer.
func (g *GatewayRegistry) GatewaysForGroups(groupIDs []string) []flow.GatewayView {
	wanted := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		wanted[id] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []flow.GatewayView
	for _, gw := range g.sessions {
		if !wanted[gw.gatewayGroupID] {
			continue
		}
		out = append(out, flow.GatewayView{
			ID:              gw.id,
			GatewayGroupID:  gw.gatewayGroupID,
			PublicKey:       gw.publicKey,
			RemoteIP:        gw.remoteIP,
			LastSeenVersion: gw.version,
			InFlightFlows:   gw.inFlight(),
		})
	}
	return out
}

// GatewaySession is the per-Gateway state machine of §4.F: a simpler
// mirror of ClientSession with no initial resource push — gateways
// receive only per-request payloads.
type GatewaySession struct {
	id             string
	accountID      string
	gatewayGroupID string
	publicKey      string
	remoteIP       string
	version        string
	conn           Conn

	registry *presence.Registry
	bus      *pubsub.Bus
	gwReg    *GatewayRegistry

	mu         sync.Mutex
	flightSeen int

	inbox chan Inbound
}

func NewGatewaySession(id, accountID, gatewayGroupID, publicKey, remoteIP, version string, conn Conn, registry *presence.Registry, bus *pubsub.Bus, gwReg *GatewayRegistry) *GatewaySession {
	return &GatewaySession{
		id: id, accountID: accountID, gatewayGroupID: gatewayGroupID,
		publicKey: publicKey, remoteIP: remoteIP, version: version, conn: conn,
		registry: registry, bus: bus, gwReg: gwReg,
		inbox: make(chan Inbound, 64),
	}
}

func (g *GatewaySession) Inbox() chan<- Inbound { return g.inbox }

func (g *GatewaySession) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flightSeen
}

// Run registers presence, subscribes to the gateway-group socket-level
// topic, and relays inbound RPC replies and fire-and-forgets until the
// session ends.
func (g *GatewaySession) Run(ctx context.Context, broker *flow.Broker) error {
	gatewaysTopic := presence.GatewaysTopic(g.accountID)
	groupTopic := "gateway_group:" + g.gatewayGroupID

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.registry.Join(gatewaysTopic, g.id, map[string]any{"gateway_group_id": g.gatewayGroupID}, g.id)
	defer g.registry.Leave(gatewaysTopic, g.id)

	g.gwReg.add(g)
	defer g.gwReg.remove(g.id)

	groupCh := g.bus.Subscribe(runCtx, groupTopic)

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-g.inbox:
			if !ok {
				return nil
			}
			g.dispatch(msg, broker)

		case _, ok := <-groupCh:
			if !ok {
				return nil
			}
		}
	}
}

// dispatch handles Gateway→server frames: the `connect`/`allow_access`
// reply to a pending Flow RPC, and ICE candidate relays mirrored
// toward the Client (delivered by the caller via pubsub, not modeled
// here since the Client session owns that subscription).
func (g *GatewaySession) dispatch(msg Inbound, broker *flow.Broker) {
	if v, ok := msg.Payload["version"].(string); ok {
		g.touch(v, "")
	}

	switch msg.Kind {
	case "connect", "allow_access":
		ref, _ := msg.Payload["ref"].(string)
		reply := flow.ConnectReply{
			PersistentKeepalive: 25,
		}
		if v, ok := msg.Payload["resource_id"].(string); ok {
			reply.ResourceID = v
		}
		if v, ok := msg.Payload["gateway_public_key"].(string); ok {
			reply.GatewayPublicKey = v
		}
		if v, ok := msg.Payload["gateway_payload"].(string); ok {
			reply.GatewayPayload = v
		}
		broker.Resolve(ref, reply)
	}

	if msg.Reply != nil {
		msg.Reply <- Outbound{OK: true}
	}
}

// touch updates the gateway's observed last-seen version/remote_ip.
// dispatch calls it only for frames whose payload carries a "version"
// string, and passes no remote_ip, so remote_ip keeps its connect-time value.
func (g *GatewaySession) touch(version, remoteIP string) {
	g.mu.Lock()
	if version != "" {
		g.version = version
	}
	if remoteIP != "" {
		g.remoteIP = remoteIP
	}
	g.mu.Unlock()
}
