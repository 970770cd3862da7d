// Package transport exposes the three duplex WebSocket endpoints
// (`/client`, `/gateway`, `/relay`, §6) and adapts gorilla/websocket
// connections to the session.Conn interface: tagged-union frames in,
// a single writer goroutine out, ping/pong keepalive, and the
// drop-ice-candidates-first back-pressure policy (§5).
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// outboxCapacity bounds the per-session send buffer (§5 "inbox
	// nearing capacity"). ice_candidates/invalidate_ice_candidates are
	// dropped at once when full; every other kind waits up to writeWait
	// for space and is discarded with an error if none frees up.
	outboxCapacity = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the tagged-union wire shape every message uses (§6, §9
// "Tagged-union events"): {kind, payload}, optionally {ref} for RPC
// correlation.
type frame struct {
	Kind    string          `json:"kind"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundFrame struct {
	kind      string
	ref       string
	payload   any
	droppable bool
}

// wsConn adapts a *websocket.Conn to session.Conn using a single
// writer goroutine (gorilla/websocket connections are not safe for
// concurrent writes) and the back-pressure policy of §5.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	outbox chan outboundFrame
	done   chan struct{}
}

func newWSConn(conn *websocket.Conn, logger *zap.SugaredLogger) *wsConn {
	c := &wsConn{conn: conn, logger: logger, outbox: make(chan outboundFrame, outboxCapacity), done: make(chan struct{})}
	go c.writeLoop()
	return c
}

func droppableKind(kind string) bool {
	return kind == "ice_candidates" || kind == "invalidate_ice_candidates"
}

// Send implements session.Conn. When the outbox is full, a droppable
// frame is dropped rather than blocking the session task; every other
// kind waits up to writeWait for space and, if none frees up, is not
// queued and Send returns websocket.ErrCloseSent. Frames already queued
// are never evicted to make room.
func (c *wsConn) Send(kind string, payload any) error {
	return c.send(outboundFrame{kind: kind, payload: payload, droppable: droppableKind(kind)})
}

// sendRef sends a reply frame carrying the ref of the RPC it answers.
// Replies are never droppable — the peer is waiting on them.
func (c *wsConn) sendRef(kind, ref string, payload any) error {
	return c.send(outboundFrame{kind: kind, ref: ref, payload: payload})
}

func (c *wsConn) send(f outboundFrame) error {
	select {
	case c.outbox <- f:
		return nil
	default:
	}
	if f.droppable {
		return nil
	}
	select {
	case c.outbox <- f:
		return nil
	case <-time.After(writeWait):
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case f := <-c.outbox:
			body, err := json.Marshal(frame{Kind: f.kind, Ref: f.ref, Payload: mustMarshal(f.payload)})
			if err != nil {
				c.logger.Warnf("transport: marshal frame %q: %v", f.kind, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// rpcKinds are the inbound frame kinds that expect a correlated reply
// frame back (§4.H: the Client/Gateway RPCs running over the Flow
// Broker). Every other kind is fire-and-forget.
var rpcKinds = map[string]bool{
	"prepare_connection": true,
	"reuse_connection":   true,
	"request_connection": true,
}

// readLoop decodes inbound frames and feeds the session's inbox,
// closing the session and socket on the first malformed frame (§7
// "A single malformed inbound frame closes only the offending
// session"). RPC frames (those with a ref the sender expects answered)
// get a reply frame written back through send once the session
// dispatches them.
func readLoop(conn *websocket.Conn, send *wsConn, inbox chan<- session.Inbound, logger *zap.SugaredLogger) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer close(inbox)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Infow("transport: malformed frame, closing session", "error", err)
			return
		}

		var payload map[string]any
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				logger.Infow("transport: malformed payload, closing session", "kind", f.Kind, "error", err)
				return
			}
		}

		in := session.Inbound{Kind: f.Kind, Payload: payload}
		if f.Ref != "" || rpcKinds[f.Kind] {
			ref := f.Ref
			replyCh := make(chan session.Outbound, 1)
			in.Reply = replyCh
			go deliverReply(send, ref, replyCh)
		}

		inbox <- in
	}
}

// deliverReply waits for the session to answer one RPC and writes the
// correlated reply frame back to the peer.
func deliverReply(send *wsConn, ref string, replyCh <-chan session.Outbound) {
	out, ok := <-replyCh
	if !ok {
		return
	}
	payload := map[string]any{"ok": out.OK, "value": out.Value}
	if out.Err != nil {
		payload["error"] = out.Err.Error()
	}
	send.sendRef("rpc_reply", ref, payload)
}

// ConnectContext is the client-context lifted from transport headers
// at connect time (§6).
type ConnectContext struct {
	Token     string
	RemoteIP  string
	UserAgent string
}

// ExtractConnectContext lifts the bearer token (as a `token` query
// parameter — connect parameters, per §6, aren't headers on a
// WebSocket upgrade) and context headers from the incoming request.
func ExtractConnectContext(r *http.Request) ConnectContext {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	remoteIP := r.Header.Get("x-forwarded-for")
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	} else if idx := strings.Index(remoteIP, ","); idx != -1 {
		remoteIP = strings.TrimSpace(remoteIP[:idx])
	}

	return ConnectContext{
		Token:     token,
		RemoteIP:  remoteIP,
		UserAgent: r.Header.Get("user-agent"),
	}
}

// Upgrade upgrades the HTTP request to a WebSocket connection and
// returns a session.Conn plus the raw *websocket.Conn (readLoop needs
// the latter directly).
func Upgrade(w http.ResponseWriter, r *http.Request, logger *zap.SugaredLogger) (*websocket.Conn, *wsConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}
	return conn, newWSConn(conn, logger), nil
}

// RunReadLoop starts decoding inbound frames into inbox, blocking until
// the connection closes or ctx is cancelled. send is the same
// session.Conn returned alongside conn by Upgrade — used to write RPC
// reply frames back to the peer.
func RunReadLoop(ctx context.Context, conn *websocket.Conn, send *wsConn, inbox chan<- session.Inbound, logger *zap.SugaredLogger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, send, inbox, logger)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}
