package relay

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

// Run drives the recovery and retention sweeps until ctx is done, then stops
// the retrier. The recovery sweep runs once immediately, which republishes
// whatever a previous process stored but never published.
func (r *Relay) Run(ctx context.Context) error {
	defer r.retrier.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clock.Every(ctx, r.clock, r.opts.RecoveryInterval, func(ctx context.Context) {
			if _, err := r.RecoverOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Recovery sweep failed", err, nil)
			}
		})
		return nil
	})
	if r.opts.Retention > 0 {
		g.Go(func() error {
			clock.Every(ctx, r.clock, r.opts.RetentionInterval, func(ctx context.Context) {
				if _, err := r.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("Retention sweep failed", err, nil)
				}
			})
			return nil
		})
	}
	return g.Wait()
}

// RecoverOnce schedules stored events that have not been published for
// longer than the recovery threshold. Events this process already owns are
// skipped. It returns how many events were scheduled.
func (r *Relay) RecoverOnce(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.opts.RecoveryThreshold)

	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	pending, err := r.store.ListUnpublished(sctx, cutoff, r.opts.RecoveryBatch)
	cancel()
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, stored := range pending {
		if r.retrier.Schedule(stored.Event) {
			scheduled++
			r.metrics.Recovered.Inc()
		}
	}
	if scheduled > 0 {
		r.logger.Info("Recovery sweep scheduled unpublished events", loggingpkg.LogFields{
			"scheduled": scheduled,
			"found":     len(pending),
		})
	}
	return scheduled, nil
}

// PurgeOnce deletes events older than the retention period.
func (r *Relay) PurgeOnce(ctx context.Context) (int64, error) {
	if r.opts.Retention <= 0 {
		return 0, nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	purged, err := r.store.PurgeExpired(sctx, r.clock.Now().Add(-r.opts.Retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		r.logger.Info("Purged expired events", loggingpkg.LogFields{"purged": purged})
	}
	return purged, nil
}
