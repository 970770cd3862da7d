package transport

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/authn"
	"github.com/cloudfire/signal/internal/flow"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/presence"
	"github.com/cloudfire/signal/internal/pubsub"
	"github.com/cloudfire/signal/internal/resolver"
	"github.com/cloudfire/signal/internal/session"
	"github.com/cloudfire/signal/internal/store"
)

// Deps bundles the process-wide singletons (§9 "Global state: the
// process hosts exactly three singletons — database pool, pub/sub bus,
// presence registry") plus the components built on top of them.
type Deps struct {
	Store      store.Store
	Verifier   authn.Verifier
	Bus        *pubsub.Bus
	Presence   *presence.Registry
	Resolver   *resolver.Resolver
	Broker     *flow.Broker
	GatewayReg *session.GatewayRegistry
	Logger     *zap.SugaredLogger
	RelayCfg   session.RelayConfig
}

// ClientHandler serves `/client` (§4.E, §6).
func (d *Deps) ClientHandler(w http.ResponseWriter, r *http.Request) {
	cc := ExtractConnectContext(r)
	if cc.Token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	reqCtx := model.SubjectContext{RemoteIP: cc.RemoteIP, UserAgent: cc.UserAgent}
	subject, err := authn.Authenticate(r.Context(), d.Store, d.Verifier, cc.Token, reqCtx)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	rawConn, conn, err := Upgrade(w, r, d.Logger)
	if err != nil {
		d.Logger.Warnf("client upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	versionStr := r.URL.Query().Get("version")
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = subject.Actor.ID
	}

	geo := model.GeoPoint{}
	if lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64); err == nil {
		geo.Lat = lat
	}
	if lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64); err == nil {
		geo.Lon = lon
	}

	sess := session.NewClientSession(clientID, subject, conn, d.Store, d.Presence, d.Bus, d.Resolver, d.Broker, d.RelayCfg, geo)

	go RunReadLoop(r.Context(), rawConn, conn, sess.Inbox(), d.Logger)
	if err := sess.Run(r.Context(), versionStr); err != nil {
		d.Logger.Infow("client session ended", "client_id", clientID, "error", err)
	}
}

// GatewayHandler serves `/gateway` (§4.F, §6).
func (d *Deps) GatewayHandler(w http.ResponseWriter, r *http.Request) {
	cc := ExtractConnectContext(r)
	if cc.Token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	accountID := r.URL.Query().Get("account_id")

	tok, err := authn.AuthenticateGatewayToken(r.Context(), d.Store, accountID, model.TokenTypeGatewayGroup, cc.Token)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	rawConn, conn, err := Upgrade(w, r, d.Logger)
	if err != nil {
		d.Logger.Warnf("gateway upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	gatewayID := r.URL.Query().Get("gateway_id")
	publicKey := r.URL.Query().Get("public_key")
	version := r.URL.Query().Get("version")

	sess := session.NewGatewaySession(gatewayID, accountID, tok.GatewayGroupID, publicKey, cc.RemoteIP, version, conn, d.Presence, d.Bus, d.GatewayReg)

	go RunReadLoop(r.Context(), rawConn, conn, sess.Inbox(), d.Logger)
	if err := sess.Run(r.Context(), d.Broker); err != nil {
		d.Logger.Infow("gateway session ended", "gateway_id", gatewayID, "error", err)
	}
}

// RelayHandler serves `/relay`: authenticates with a relay-group
// token, registers/refreshes the relay row, and holds the connection
// open purely for presence + periodic re-registration (§6: "Relay
// exchanges only init plus presence").
func (d *Deps) RelayHandler(w http.ResponseWriter, r *http.Request) {
	cc := ExtractConnectContext(r)
	if cc.Token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	accountID := r.URL.Query().Get("account_id") // empty for the global pool

	if _, err := authn.AuthenticateGatewayToken(r.Context(), d.Store, accountID, model.TokenTypeRelayGroup, cc.Token); err != nil {
		writeAuthError(w, err)
		return
	}

	rawConn, conn, err := Upgrade(w, r, d.Logger)
	if err != nil {
		d.Logger.Warnf("relay upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	relayID := r.URL.Query().Get("relay_id")
	ipv4 := r.URL.Query().Get("ipv4")
	ipv6 := r.URL.Query().Get("ipv6")
	stampSecret := r.URL.Query().Get("stamp_secret")
	geo := model.GeoPoint{}
	if lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64); err == nil {
		geo.Lat = lat
	}
	if lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64); err == nil {
		geo.Lon = lon
	}

	relay := &model.Relay{ID: relayID, AccountID: accountID, IPv4: ipv4, IPv6: ipv6, Geo: geo, StampSecret: stampSecret}
	if err := d.Store.UpsertRelay(r.Context(), relay); err != nil {
		d.Logger.Warnf("relay upsert failed: %v", err)
		return
	}

	topic := presence.GlobalRelaysTopic
	if accountID != "" {
		topic = presence.RelaysTopic(accountID)
	}
	d.Presence.Join(topic, relayID, map[string]any{"account_id": accountID}, relayID)
	defer d.Presence.Leave(topic, relayID)

	conn.Send("init", map[string]any{"relay_id": relayID})

	inbox := make(chan session.Inbound, 8)
	go RunReadLoop(r.Context(), rawConn, conn, inbox, d.Logger)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			d.Store.TouchRelay(r.Context(), relayID, time.Now().UTC())
		case _, ok := <-inbox:
			if !ok {
				return
			}
		}
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		switch apiErr.Kind {
		case apierr.KindDisabled:
			http.Error(w, "disabled", http.StatusForbidden)
		default:
			http.Error(w, string(apiErr.Kind), http.StatusUnauthorized)
		}
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
