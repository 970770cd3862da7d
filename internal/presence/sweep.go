package presence

import (
	"context"
	"time"

	"github.com/cloudfire/signal/internal/store"
	"go.uber.org/zap"
)

// RelayStaleAfter is how long a relay may go without a heartbeat before
// the sweep considers it dead and evicts it from the pool (§4.G).
const RelayStaleAfter = 2 * time.Minute

// RunRelaySweep runs forever (until ctx is cancelled), deleting relay
// rows that have gone stale, once per interval. The caller is expected
// to invoke this only while holding the election lease (via
// RunElected), so exactly one instance sweeps at a time — two
// instances racing to delete the same stale row would just make the
// loser's DELETE a harmless no-op, but running it everywhere wastes a
// full-table scan per instance per tick.
func RunRelaySweep(ctx context.Context, s store.Store, interval time.Duration, logger *zap.SugaredLogger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.DeleteStaleRelays(ctx, time.Now().Add(-RelayStaleAfter))
			if err != nil {
				logger.Warnf("relay sweep: %v", err)
				continue
			}
			if n > 0 {
				logger.Infof("relay sweep: evicted %d stale relay(s)", n)
			}
		}
	}
}
