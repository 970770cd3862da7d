package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfire/signal/internal/pubsub"
)

func TestJoin_RecordsLeaseAndPublishes(t *testing.T) {
	bus := pubsub.New()
	r := New(bus)
	ctx := context.Background()
	events := r.Subscribe(ctx, "clients:acct-1")

	r.Join("clients:acct-1", "client-1", map[string]any{"region": "US"}, "session-1")

	leases := r.List("clients:acct-1")
	require.Contains(t, leases, "client-1")
	assert.Equal(t, "session-1", leases["client-1"].SessionID)
	assert.Equal(t, "US", leases["client-1"].Metadata["region"])

	select {
	case evt := <-events:
		assert.Equal(t, EventJoin, evt.Kind)
		assert.Equal(t, "client-1", evt.Key)
	case <-time.After(time.Second):
		t.Fatal("join event never delivered")
	}
}

func TestLeave_RemovesLeaseAndPublishes(t *testing.T) {
	bus := pubsub.New()
	r := New(bus)
	r.Join("clients:acct-1", "client-1", nil, "session-1")

	events := r.Subscribe(context.Background(), "clients:acct-1")
	r.Leave("clients:acct-1", "client-1")

	assert.Empty(t, r.List("clients:acct-1"))

	select {
	case evt := <-events:
		assert.Equal(t, EventLeave, evt.Kind)
		assert.Equal(t, "client-1", evt.Key)
	case <-time.After(time.Second):
		t.Fatal("leave event never delivered")
	}
}

func TestLeaveSession_RemovesEveryLeaseAcrossTopics(t *testing.T) {
	bus := pubsub.New()
	r := New(bus)
	r.Join("clients:acct-1", "client-1", nil, "session-1")
	r.Join("gateways:acct-1", "gw-1", nil, "session-1")
	r.Join("clients:acct-1", "client-2", nil, "session-2")

	r.LeaveSession("session-1")

	assert.NotContains(t, r.List("clients:acct-1"), "client-1")
	assert.Contains(t, r.List("clients:acct-1"), "client-2")
	assert.Empty(t, r.List("gateways:acct-1"))
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "clients:acct-1", ClientsTopic("acct-1"))
	assert.Equal(t, "gateways:acct-1", GatewaysTopic("acct-1"))
	assert.Equal(t, "relays:acct-1", RelaysTopic("acct-1"))
	assert.Equal(t, "relays", GlobalRelaysTopic)
}
