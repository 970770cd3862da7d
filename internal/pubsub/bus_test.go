package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(context.Background(), "topic-1")

	b.Publish("topic-1", "hello")

	select {
	case evt := <-ch:
		assert.Equal(t, "topic-1", evt.Topic)
		assert.Equal(t, "hello", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_FansOutToMultipleSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()
	a := b.Subscribe(ctx, "topic-1")
	c := b.Subscribe(ctx, "topic-1")

	b.Publish("topic-1", "x")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case evt := <-ch:
			assert.Equal(t, "x", evt.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublish_IgnoresOtherTopics(t *testing.T) {
	b := New()
	ch := b.Subscribe(context.Background(), "topic-1")

	b.Publish("topic-2", "x")

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event delivered: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_ClosesChannelOnContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "topic-1")

	require.Equal(t, 1, b.SubscriberCount("topic-1"))
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was never closed")
	}

	assert.Eventually(t, func() bool {
		return b.SubscriberCount("topic-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPublish_DropsOldestWhenMailboxFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(context.Background(), "topic-1")

	for i := 0; i < mailboxSize+10; i++ {
		b.Publish("topic-1", i)
	}

	// The mailbox never blocks the publisher, and the most recent event
	// should still be delivered even though the buffer overflowed.
	var last any
	drain := true
	for drain {
		select {
		case evt := <-ch:
			last = evt.Payload
		default:
			drain = false
		}
	}
	assert.Equal(t, mailboxSize+9, last)
}

func TestSubscriberCount_ZeroForUnknownTopic(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.SubscriberCount("nope"))
}
