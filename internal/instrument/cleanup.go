package instrument

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventPruner deletes events older than a number of days.
type EventPruner interface {
	PruneEvents(ctx context.Context, retentionDays int) (int64, error)
}

// RunRetention prunes old events once per interval until ctx is done.
func RunRetention(ctx context.Context, pruner EventPruner, retentionDays int, interval time.Duration, logger *zap.SugaredLogger) {
	if retentionDays <= 0 {
		return
	}
	prune := func() {
		n, err := pruner.PruneEvents(ctx, retentionDays)
		if err != nil {
			logger.Errorw("event cleanup failed", "error", err)
			return
		}
		if n > 0 {
			logger.Infow("event cleanup", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
