package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/store"
)

type sweepFakeStore struct {
	store.Store
	calls int32
}

func (f *sweepFakeStore) DeleteStaleRelays(ctx context.Context, olderThan time.Time) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 2, nil
}

func TestRunRelaySweep_TicksUntilCancelled(t *testing.T) {
	fake := &sweepFakeStore{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RunRelaySweep(ctx, fake, 5*time.Millisecond, zap.NewNop().Sugar()) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fake.calls) >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunRelaySweep did not return after cancel")
	}
}

func TestRunRelaySweep_NonPositiveIntervalDefaults(t *testing.T) {
	fake := &sweepFakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- RunRelaySweep(ctx, fake, 0, zap.NewNop().Sugar()) }()

	// Just confirm it starts without panicking on the zero interval path;
	// cancel immediately rather than waiting out the 30s default tick.
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunRelaySweep did not return after cancel")
	}
}
