package presence

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// ElectionConfig configures the etcd-backed leader election that gates
// the relay sweep (RunRelaySweep), adapted from the teacher's
// controller/internal/controller/election.go RunWithElection/
// campaignAndRun — the only instance holding the election lease runs
// the sweep, so a stale relay row is never reaped twice by two racing
// instances.
type ElectionConfig struct {
	Prefix   string
	LeaseTTL int
	Hostname string
}

// RunElected campaigns for leadership under cfg.Prefix and, whenever
// elected, runs fn until either fn returns or leadership is lost (the
// etcd session expires or a higher-priority error occurs). On loss it
// re-campaigns after a short backoff, forever, until ctx is cancelled.
func RunElected(ctx context.Context, client *clientv3.Client, cfg ElectionConfig, logger *zap.SugaredLogger, fn func(context.Context) error) {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 15
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/signal/election"
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := campaignAndRun(ctx, client, prefix, ttl, cfg.Hostname, logger, fn); err != nil {
			logger.Errorf("election cycle error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func campaignAndRun(ctx context.Context, client *clientv3.Client, prefix string, ttl int, hostname string, logger *zap.SugaredLogger, fn func(context.Context) error) error {
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		return fmt.Errorf("create election session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, prefix)

	logger.Infof("campaigning for leadership (prefix=%s, ttl=%ds)", prefix, ttl)
	if err := election.Campaign(ctx, hostname); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}
	logger.Infof("elected as leader (id=%s)", hostname)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	go func() {
		select {
		case <-session.Done():
			logger.Warn("etcd session expired, resigning leadership")
			runCancel()
		case <-runCtx.Done():
		}
	}()

	err = fn(runCtx)

	resignCtx, resignCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer resignCancel()
	if resignErr := election.Resign(resignCtx); resignErr != nil {
		logger.Warnf("failed to resign leadership: %v", resignErr)
	}

	return err
}
