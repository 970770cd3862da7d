// Package session implements the per-Client and per-Gateway WebSocket
// state machines (§4.E, §4.F): join validation, presence registration,
// subscription fan-in, RPC dispatch to the Flow Broker, and
// token-expiry scheduling. Each session is an isolated task with its
// own inbox; cross-session communication happens exclusively through
// pubsub and the Flow Broker (§5).
package session

// Conn abstracts the framed duplex channel a session pushes events
// over. internal/transport's websocket adapter is the only production
// implementation; tests substitute a channel-backed fake.
type Conn interface {
	// Send pushes one framed server event. Implementations apply the
	// drop-ice-candidates-first policy (§5) themselves; the session
	// calls Send for every event kind alike.
	Send(kind string, payload any) error
	Close() error
}

// Inbound is one client/gateway→server framed RPC or fire-and-forget,
// handed to the session by the transport layer after frame decoding.
type Inbound struct {
	Kind    string
	Payload map[string]any
	Reply   chan<- Outbound // non-nil for RPCs; the session sends exactly one reply
}

// Outbound is the result of an RPC dispatch, written back to Inbound.Reply.
type Outbound struct {
	OK    bool
	Value any
	Err   error
}
