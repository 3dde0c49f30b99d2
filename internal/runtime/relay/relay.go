// Package relay is the durable core of the bridge. Every delivery is
// normalized, committed to the event store and only then published to the
// sink broker; the source delivery is acknowledged last. Publishes that fail
// after the store commit are retried in the background and by the recovery
// sweep, so a stored event eventually reaches the sink.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	idspkg "github.com/drblury/vehiclerelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/vehiclerelay/internal/runtime/metadata"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	"github.com/drblury/vehiclerelay/internal/runtime/normalize"
	"github.com/drblury/vehiclerelay/internal/runtime/sink"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
)

// Options configure a Relay. Zero values take the defaults noted per field.
type Options struct {
	// SourceSystem namespaces derived event ids, e.g. "rabbitmq".
	SourceSystem string
	// Destination is the sink queue or topic.
	Destination string
	// ProcessedBy is stamped on every event. Defaults to "vehicle-relay".
	ProcessedBy string
	// StoreTimeout bounds every store call. Defaults to 5s.
	StoreTimeout time.Duration

	Retry RetryPolicy

	// RecoveryInterval is the recovery sweep period. Defaults to 30s.
	RecoveryInterval time.Duration
	// RecoveryThreshold is how long an event must sit unpublished before
	// the sweep picks it up. Defaults to 30s.
	RecoveryThreshold time.Duration
	// RecoveryBatch caps one sweep. Defaults to 100.
	RecoveryBatch int

	// Retention purges events received longer ago than this. Zero keeps everything.
	Retention         time.Duration
	RetentionInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProcessedBy == "" {
		o.ProcessedBy = "vehicle-relay"
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 30 * time.Second
	}
	if o.RecoveryThreshold <= 0 {
		o.RecoveryThreshold = 30 * time.Second
	}
	if o.RecoveryBatch <= 0 {
		o.RecoveryBatch = 100
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = time.Hour
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// Relay handles source deliveries. Handle is safe for concurrent use.
type Relay struct {
	store      store.EventStore
	sink       sink.Publisher
	normalizer normalize.Normalizer
	metrics    *metricspkg.BridgeMetrics
	logger     loggingpkg.ServiceLogger
	clock      clock.Clock
	opts       Options
	retrier    *Retrier
}

// Dependencies are the collaborators of a Relay. Clock and Logger are optional.
type Dependencies struct {
	Store   store.EventStore
	Sink    sink.Publisher
	Metrics *metricspkg.BridgeMetrics
	Logger  loggingpkg.ServiceLogger
	Clock   clock.Clock
}

func New(deps Dependencies, opts Options) (*Relay, error) {
	if deps.Store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if deps.Sink == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if deps.Metrics == nil {
		return nil, errors.New("relay: bridge metrics are required")
	}
	if opts.Destination == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if deps.Logger == nil {
		deps.Logger = loggingpkg.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	opts = opts.withDefaults()
	logger := deps.Logger.With(loggingpkg.LogFields{"component": "relay"})

	r := &Relay{
		store:      deps.Store,
		sink:       deps.Sink,
		normalizer: normalize.Normalizer{Clock: deps.Clock, ProcessedBy: opts.ProcessedBy},
		metrics:    deps.Metrics,
		logger:     logger,
		clock:      deps.Clock,
		opts:       opts,
	}
	r.retrier = newRetrier(retrierDeps{
		ledger:       deps.Store,
		sink:         deps.Sink,
		destination:  opts.Destination,
		storeTimeout: opts.StoreTimeout,
		policy:       opts.Retry,
		clock:        deps.Clock,
		logger:       logger,
		metrics:      deps.Metrics,
	})
	return r, nil
}

// Retrier exposes the background publish retrier.
func (r *Relay) Retrier() *Retrier { return r.retrier }

// Handle relays one delivery with a single store attempt. It returns an
// error only when the event could not be committed to the store, so the
// router nacks and the source broker redelivers. Once the store write
// commits the delivery is always acked.
func (r *Relay) Handle(msg *message.Message) error {
	_, err := r.CountDeliveries(func(msg *message.Message) ([]*message.Message, error) {
		return nil, r.Attempt(msg)
	})(msg)
	return err
}

// CountDeliveries counts a delivery once however many store attempts h makes.
// A delivery h still cannot store when it gives up is one store failure.
func (r *Relay) CountDeliveries(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		r.metrics.Received.Inc()
		out, err := h(msg)
		if err != nil && errspkg.IsTransient(err) {
			r.metrics.Failed.WithLabelValues(metricspkg.StageStore).Inc()
		}
		return out, err
	}
}

// Attempt is one pass of Handle without the delivery counters. The bridge
// runs it under an in-process retry wrapped by CountDeliveries.
func (r *Relay) Attempt(msg *message.Message) error {
	start := r.clock.Now()

	ctx := msg.Context()
	ev := r.Normalize(msg)
	fields := loggingpkg.LogFields{"event_id": ev.ID, "delivery_key": ev.SourceMessageID}

	result, err := r.persist(ctx, &ev)
	if err != nil {
		r.logger.Error("Failed to store event", err, fields)
		return errspkg.NewTransient("store", err)
	}
	if result.Inserted {
		r.metrics.Persisted.Inc()
	} else {
		r.metrics.Duplicates.Inc()
		fields["relay_state"] = string(result.State)
	}

	switch result.State {
	case events.RelayPublished, events.RelayParked:
		r.logger.Debug("Redelivered event already settled", fields)
		return nil
	}

	if !r.retrier.claim(ev.ID) {
		r.logger.Debug("Event is being retried, acking redelivery", fields)
		return nil
	}

	stored := result.Event
	pubCtx := sink.WithCorrelationID(ctx, middleware.MessageCorrelationID(msg))
	if err := r.sink.Publish(pubCtx, &stored, r.opts.Destination); err != nil {
		r.metrics.Failed.WithLabelValues(metricspkg.StagePublish).Inc()
		r.logger.Error("Publish failed, scheduling retry", err, fields)
		r.retrier.handOff(stored, err)
		r.metrics.ProcessingTime.Observe(r.clock.Now().Sub(start).Seconds())
		return nil
	}
	r.retrier.release(ev.ID)

	r.metrics.Published.Inc()
	if err := r.markPublished(ctx, ev.ID); err != nil {
		// The sweep will publish the event again; consumers deduplicate.
		r.logger.Error("Failed to mark event published", err, fields)
	}
	r.metrics.ProcessingTime.Observe(r.clock.Now().Sub(start).Seconds())
	r.logger.Debug("Event relayed", fields)
	return nil
}

// Normalize turns a delivery into a canonical event. The id is derived from
// the broker's delivery key, so redeliveries map onto the same stored record.
// Without one the client's payload id is used; failing that the event gets a
// fresh id and a redelivery is relayed again rather than dropped. Identical
// bytes are never treated as the same event: two sightings of one plate are
// two events.
func (r *Relay) Normalize(msg *message.Message) events.VehicleEvent {
	key := metadatapkg.DeliveryKey(msg)
	var id string
	if key != "" {
		id = idspkg.EventID(r.opts.SourceSystem, key)
	} else if pid := normalize.PayloadID(msg.Payload); pid != "" {
		id = idspkg.EventID(r.opts.SourceSystem, payloadIDPrefix+pid)
	}
	return r.normalizer.Normalize(normalize.Raw{
		Payload:         msg.Payload,
		ID:              id,
		SourceMessageID: key,
	})
}

// payloadIDPrefix keeps client ids apart from broker delivery keys.
const payloadIDPrefix = "payload-id:"

func (r *Relay) persist(ctx context.Context, ev *events.VehicleEvent) (store.PersistResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	return r.store.Persist(ctx, ev)
}

func (r *Relay) markPublished(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
	defer cancel()
	return r.store.MarkPublished(ctx, id)
}
