package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/model"
	"github.com/cloudfire/signal/internal/resolver"
)

func testSubject() *model.Subject {
	return &model.Subject{
		Account:   &model.Account{ID: "acct-1"},
		Actor:     &model.Actor{ID: "actor-1"},
		Identity:  &model.Identity{Provider: "okta"},
		Context:   model.SubjectContext{RemoteIP: "10.0.0.5", Region: "US"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestPrepareConnection_PicksLeastLoadedCompatibleGateway(t *testing.T) {
	s := &fakeStore{
		groupsForActor:           []string{"group-1"},
		policies:                 []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:                []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
		gatewayGroupsForResource: []string{"gg-1"},
	}
	deliver := &fakeDeliverer{gateways: map[string]GatewayView{
		"gw-busy": {ID: "gw-busy", GatewayGroupID: "gg-1", LastSeenVersion: "1.3.0", InFlightFlows: 5},
		"gw-idle": {ID: "gw-idle", GatewayGroupID: "gg-1", LastSeenVersion: "1.3.0", InFlightFlows: 0, RemoteIP: "203.0.113.9"},
	}}
	b := New(s, resolver.New(s), deliver)

	result, err := b.PrepareConnection(context.Background(), testSubject(), "res-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "gw-idle", result.GatewayID)
	assert.Equal(t, "203.0.113.9", result.GatewayRemoteIP)
}

func TestPrepareConnection_NoCompatibleGatewayIsOffline(t *testing.T) {
	s := &fakeStore{
		groupsForActor:           []string{"group-1"},
		policies:                 []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:                []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
		gatewayGroupsForResource: []string{"gg-1"},
	}
	deliver := &fakeDeliverer{}
	b := New(s, resolver.New(s), deliver)

	_, err := b.PrepareConnection(context.Background(), testSubject(), "res-1", nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindOffline, apiErr.Kind)
}

func TestPrepareConnection_ResourceNotVisibleIsNotFound(t *testing.T) {
	s := &fakeStore{} // no memberships: nothing visible
	deliver := &fakeDeliverer{}
	b := New(s, resolver.New(s), deliver)

	_, err := b.PrepareConnection(context.Background(), testSubject(), "res-1", nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestConnect_RoundTripsThroughResolve(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies:       []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:      []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
	}
	deliver := &fakeDeliverer{gateways: map[string]GatewayView{
		"gw-1": {ID: "gw-1", RemoteIP: "203.0.113.9"},
	}}
	b := New(s, resolver.New(s), deliver)

	resultCh := make(chan *ConnectReply, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := b.Connect(context.Background(), testSubject(), "request_connection", "res-1", "gw-1", nil)
		resultCh <- reply
		errCh <- err
	}()

	// Wait for the delivery to land, then resolve it as the Gateway would.
	require.Eventually(t, func() bool { return len(deliver.delivered) == 1 }, time.Second, time.Millisecond)
	msg := deliver.delivered[0]
	assert.Equal(t, "gw-1", msg.gatewayID)
	assert.Equal(t, "request_connection", msg.kind)
	ref := msg.payload.(map[string]any)["ref"].(string)

	require.NoError(t, b.Resolve(ref, ConnectReply{ResourceID: "res-1", GatewayPublicKey: "pub-key"}))

	reply := <-resultCh
	require.NoError(t, <-errCh)
	require.NotNil(t, reply)
	assert.Equal(t, "res-1", reply.ResourceID)
	assert.Equal(t, "pub-key", reply.GatewayPublicKey)
	assert.Len(t, s.insertedFlows, 1)
	assert.Equal(t, "gw-1", s.insertedFlows[0].GatewayID)
}

func TestConnect_GatewayOfflineFailsImmediately(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies:       []*model.Policy{{ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1"}},
		resources:      []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
	}
	deliver := &fakeDeliverer{}
	b := New(s, resolver.New(s), deliver)

	_, err := b.Connect(context.Background(), testSubject(), "request_connection", "res-1", "gw-1", nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindOffline, apiErr.Kind)
}

func TestConnect_ViolatedConditionIsForbidden(t *testing.T) {
	s := &fakeStore{
		groupsForActor: []string{"group-1"},
		policies: []*model.Policy{{
			ID: "p1", ActorGroupID: "group-1", ResourceID: "res-1",
			Conditions: []model.Condition{
				{Property: model.PropertyRemoteIPLocationRegion, Operator: model.OpIsIn, Values: []string{"FR"}},
			},
		}},
		resources: []*model.Resource{{ID: "res-1", Address: "db.example.com"}},
	}
	deliver := &fakeDeliverer{gateways: map[string]GatewayView{"gw-1": {ID: "gw-1"}}}
	b := New(s, resolver.New(s), deliver)

	// subject's region is "US", condition requires "FR": should be refused
	// before ever contacting the Gateway.
	_, err := b.Connect(context.Background(), testSubject(), "request_connection", "res-1", "gw-1", nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindForbidden, apiErr.Kind)
	assert.Empty(t, deliver.delivered)
}

func TestResolve_UnknownRefFails(t *testing.T) {
	s := &fakeStore{}
	b := New(s, resolver.New(s), &fakeDeliverer{})
	err := b.Resolve("nonexistent", ConnectReply{})
	assert.Error(t, err)
}

func TestBroadcastICECandidates_DeliversToEveryGateway(t *testing.T) {
	s := &fakeStore{}
	deliver := &fakeDeliverer{gateways: map[string]GatewayView{}}
	b := New(s, resolver.New(s), deliver)

	b.BroadcastICECandidates("client-1", []string{"cand-1"}, []string{"gw-1", "gw-2"}, "trace-1", false)

	require.Len(t, deliver.delivered, 2)
	assert.Equal(t, "ice_candidates", deliver.delivered[0].kind)
}

func TestBroadcastICECandidates_InvalidateUsesDifferentKind(t *testing.T) {
	s := &fakeStore{}
	deliver := &fakeDeliverer{gateways: map[string]GatewayView{}}
	b := New(s, resolver.New(s), deliver)

	b.BroadcastICECandidates("client-1", nil, []string{"gw-1"}, "trace-1", true)

	require.Len(t, deliver.delivered, 1)
	assert.Equal(t, "invalidate_ice_candidates", deliver.delivered[0].kind)
}

func TestBroadcastICECandidates_NoGatewaysIsNoOp(t *testing.T) {
	s := &fakeStore{}
	deliver := &fakeDeliverer{gateways: map[string]GatewayView{}}
	b := New(s, resolver.New(s), deliver)

	b.BroadcastICECandidates("client-1", nil, nil, "", false)
	assert.Empty(t, deliver.delivered)
}
