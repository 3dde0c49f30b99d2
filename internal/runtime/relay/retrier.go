package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	"github.com/drblury/vehiclerelay/internal/runtime/sink"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
)

// RetryPolicy is the background publish schedule.
type RetryPolicy struct {
	// InitialInterval defaults to 1s.
	InitialInterval time.Duration
	// Multiplier defaults to 1.5.
	Multiplier float64
	// MaxInterval defaults to 60s.
	MaxInterval time.Duration
	// MaxAttempts parks the event after this many failed publishes,
	// counting the first one. Zero retries until success or shutdown.
	MaxAttempts int
	// Workers bounds concurrent retry loops. Defaults to 4.
	Workers int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1.5
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = time.Minute
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// NewBackOff returns the interval generator for one retry loop. Intervals
// are not jittered, so a fake clock can step through them exactly.
func (p RetryPolicy) NewBackOff(c clock.Clock) *backoff.ExponentialBackOff {
	p = p.withDefaults()
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(c),
	)
}

type retrierDeps struct {
	ledger       store.Ledger
	sink         sink.Publisher
	destination  string
	storeTimeout time.Duration
	policy       RetryPolicy
	clock        clock.Clock
	logger       loggingpkg.ServiceLogger
	metrics      *metricspkg.BridgeMetrics
}

// Retrier owns events whose publish failed after the store commit. Each
// owned event runs its own backoff loop on a bounded worker pool. An event
// is owned by at most one loop or inline publish at a time.
type Retrier struct {
	retrierDeps

	workers *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	stopped  bool
}

func newRetrier(deps retrierDeps) *Retrier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		retrierDeps: deps,
		workers:     semaphore.NewWeighted(int64(deps.policy.Workers)),
		ctx:         ctx,
		cancel:      cancel,
		inFlight:    make(map[string]struct{}),
	}
}

// InFlight reports whether the event is currently owned by this process.
func (r *Retrier) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

// Pending reports how many events this process currently owns.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *Retrier) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	if _, ok := r.inFlight[id]; ok {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Retrier) release(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// Schedule starts a publish loop for a stored event that nobody in this
// process owns. The first attempt happens immediately. It returns false when
// the event is already owned or the worker pool is full; the event then
// stays unpublished in the store for a later sweep.
func (r *Retrier) Schedule(ev events.VehicleEvent) bool {
	if !r.claim(ev.ID) {
		return false
	}
	if !r.dispatch(ev, false) {
		r.release(ev.ID)
		return false
	}
	return true
}

// handOff records a failed inline publish and keeps ownership of the event
// in a backoff loop. The caller must hold the claim.
func (r *Retrier) handOff(ev events.VehicleEvent, cause error) {
	attempts, err := r.markFailed(ev.ID, cause)
	if err != nil {
		r.logger.Error("Failed to record publish failure", err, loggingpkg.LogFields{"event_id": ev.ID})
	}
	if r.exhausted(attempts) {
		r.park(ev.ID, attempts, cause)
		r.release(ev.ID)
		return
	}
	if !r.dispatch(ev, true) {
		r.logger.Info("Retry pool full, leaving event to the recovery sweep", loggingpkg.LogFields{"event_id": ev.ID})
		r.release(ev.ID)
	}
}

func (r *Retrier) dispatch(ev events.VehicleEvent, waitFirst bool) bool {
	if !r.workers.TryAcquire(1) {
		return false
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.workers.Release(1)
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.RetryInFlight.Inc()
	go func() {
		defer func() {
			r.metrics.RetryInFlight.Dec()
			r.workers.Release(1)
			r.release(ev.ID)
			r.wg.Done()
		}()
		r.loop(ev.ID, waitFirst)
	}()
	return true
}

func (r *Retrier) loop(id string, waitFirst bool) {
	fields := loggingpkg.LogFields{"event_id": id}
	b := r.policy.NewBackOff(r.clock)

	for {
		if waitFirst {
			select {
			case <-r.ctx.Done():
				return
			case <-r.clock.After(b.NextBackOff()):
			}
		}
		waitFirst = true
		if r.ctx.Err() != nil {
			return
		}

		stored, err := r.get(id)
		if errors.Is(err, errspkg.ErrEventNotFound) {
			r.logger.Info("Event vanished from the store, dropping retry", fields)
			return
		}
		if err != nil {
			r.logger.Error("Failed to load event for retry", err, fields)
			continue
		}
		if stored.State == events.RelayPublished || stored.State == events.RelayParked {
			return
		}

		r.metrics.Retries.Inc()
		err = r.sink.Publish(r.ctx, &stored.Event, r.destination)
		if err == nil {
			r.metrics.Published.Inc()
			if err := r.markPublished(id); err != nil {
				r.logger.Error("Failed to mark event published", err, fields)
			}
			r.logger.Info("Event published on retry", loggingpkg.LogFields{"event_id": id, "attempts": stored.Attempts + 1})
			return
		}
		if r.ctx.Err() != nil {
			return
		}

		r.metrics.Failed.WithLabelValues(metricspkg.StagePublish).Inc()
		attempts, merr := r.markFailed(id, err)
		if merr != nil {
			r.logger.Error("Failed to record publish failure", merr, fields)
			attempts = stored.Attempts + 1
		}
		if r.exhausted(attempts) {
			r.park(id, attempts, err)
			return
		}
		r.logger.Debug("Publish retry failed", loggingpkg.LogFields{"event_id": id, "attempts": attempts, "error": err.Error()})
	}
}

func (r *Retrier) exhausted(attempts int) bool {
	return r.policy.MaxAttempts > 0 && attempts >= r.policy.MaxAttempts
}

func (r *Retrier) park(id string, attempts int, cause error) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	parkErr := fmt.Errorf("%w after %d attempts: %v", errspkg.ErrParked, attempts, cause)
	if err := r.ledger.MarkParked(ctx, id, parkErr); err != nil {
		r.logger.Error("Failed to park event", err, loggingpkg.LogFields{"event_id": id})
		return
	}
	r.metrics.Parked.Inc()
	r.logger.Error("Event parked", parkErr, loggingpkg.LogFields{"event_id": id, "attempts": attempts})
}

func (r *Retrier) get(id string) (store.StoredEvent, error) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	return r.ledger.Get(ctx, id)
}

func (r *Retrier) markFailed(id string, cause error) (int, error) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	return r.ledger.MarkPublishFailed(ctx, id, cause)
}

func (r *Retrier) markPublished(id string) error {
	ctx, cancel := r.storeCtx()
	defer cancel()
	return r.ledger.MarkPublished(ctx, id)
}

// storeCtx is detached from shutdown so a result obtained just before stop
// is still recorded.
func (r *Retrier) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), r.storeTimeout)
}

// Stop cancels every retry loop and waits for them to return. Events that
// were still unpublished stay in the store for the next process.
func (r *Retrier) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
