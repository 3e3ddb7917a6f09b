package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/campushub/reminder-service/internal/metrics"
)

// RunSweeper deletes expired idempotency records on a fixed interval until
// ctx is cancelled. It blocks; run it on its own goroutine. Maintenance
// only; the request path never waits on it.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("idempotency sweeper exiting")
			return
		case <-ticker.C:
			n, err := store.DeleteExpiredIdempotencyRecords(ctx)
			if err != nil {
				log.Error("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.IdempotencyRecordsSweptTotal.Add(float64(n))
				log.Info("swept expired idempotency records", "deleted", n)
			}
		}
	}
}
