// Package pipeline implements the fan-out consumers. Each pipeline records
// every relayed event exactly once in its own store; redeliveries are
// recognised by the store's uniqueness on (event, pipeline) and acked
// without side effects.
package pipeline

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
	"github.com/drblury/vehiclerelay/internal/runtime/sink"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
)

type Options struct {
	Name            string
	Queue           string
	DeadLetterTopic string

	// MaxRetries is the in-process retry ceiling before dead-lettering. Defaults to 3.
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	StoreTimeout time.Duration

	// Retention purges records processed longer ago than this. Zero keeps everything.
	Retention         time.Duration
	RetentionInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DeadLetterTopic == "" && o.Queue != "" {
		o.DeadLetterTopic = o.Queue + ".dlq"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = time.Hour
	}
	return o
}

type Dependencies struct {
	Store   store.ProcessedStore
	Metrics *metricspkg.Registry
	Logger  loggingpkg.ServiceLogger
	Clock   clock.Clock
}

// Pipeline is one independent fan-out consumer.
type Pipeline struct {
	opts    Options
	store   store.ProcessedStore
	metrics *metricspkg.PipelineMetrics
	dlq     *metricspkg.DLQMetrics
	logger  loggingpkg.ServiceLogger
	clock   clock.Clock
}

func New(deps Dependencies, opts Options) (*Pipeline, error) {
	if opts.Name == "" {
		return nil, errspkg.ErrHandlerNameRequired
	}
	if opts.Queue == "" {
		return nil, errspkg.ErrConsumeQueueRequired
	}
	if deps.Store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if deps.Metrics == nil {
		return nil, errors.New("pipeline: metrics registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = loggingpkg.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	opts = opts.withDefaults()
	return &Pipeline{
		opts:    opts,
		store:   deps.Store,
		metrics: deps.Metrics.Pipeline(opts.Name),
		dlq:     deps.Metrics.DLQ,
		logger:  deps.Logger.With(loggingpkg.LogFields{"pipeline": opts.Name}),
		clock:   deps.Clock,
	}, nil
}

func (p *Pipeline) Name() string            { return p.opts.Name }
func (p *Pipeline) Queue() string           { return p.opts.Queue }
func (p *Pipeline) DeadLetterTopic() string { return p.opts.DeadLetterTopic }

// ProcessedBy is the provenance stamped on every record of the pipeline.
func (p *Pipeline) ProcessedBy() string { return "consumer-" + p.opts.Name }

// Store exposes the processed-record store for status reporting.
func (p *Pipeline) Store() store.ProcessedStore { return p.store }

// Handle records one relayed event. Duplicates are acked; malformed payloads
// return a MalformedPayloadError so the dead-letter middleware can divert
// them without retrying.
func (p *Pipeline) Handle(msg *message.Message) error {
	start := p.clock.Now()
	p.metrics.Consumed.Inc()

	ev, err := sink.DecodeEvent(msg)
	if err != nil {
		p.metrics.Failed.Inc()
		p.logger.Error("Undecodable event", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		return err
	}
	fields := loggingpkg.LogFields{"event_id": ev.ID}

	rec := &events.ProcessingRecord{
		ConsumerID:    idspkg.CreateULID(),
		SourceEventID: ev.ID,
		PipelineName:  p.opts.Name,
		ProcessedBy:   p.ProcessedBy(),
		ProcessedAt:   start.UTC(),
		Event:         ev,
	}

	ctx, cancel := context.WithTimeout(msg.Context(), p.opts.StoreTimeout)
	err = p.store.Insert(ctx, rec)
	cancel()

	switch {
	case errspkg.IsDuplicate(err):
		p.metrics.Duplicates.Inc()
		p.logger.Debug("Event already processed", fields)
		return nil
	case err != nil:
		p.metrics.Failed.Inc()
		p.logger.Error("Failed to record event", err, fields)
		return errspkg.NewTransient("record", err)
	}

	p.metrics.Processed.Inc()
	p.metrics.Latency.Observe(p.clock.Now().Sub(start).Seconds())
	p.logger.Debug("Event processed", fields)
	return nil
}

// Middlewares returns the handler-level chain: dead-letter outermost, then
// retry, then panic recovery. dlqPublisher publishes to the dead-letter topic.
func (p *Pipeline) Middlewares(dlqPublisher message.Publisher) ([]message.HandlerMiddleware, error) {
	if dlqPublisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	poison, err := middleware.PoisonQueueWithFilter(dlqPublisher, p.opts.DeadLetterTopic, p.shouldDeadLetter)
	if err != nil {
		return nil, err
	}
	retry := middleware.Retry{
		MaxRetries:      p.opts.MaxRetries,
		InitialInterval: p.opts.RetryInitialInterval,
		MaxInterval:     p.opts.RetryMaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return !errspkg.IsMalformed(params.Err)
		},
	}
	return []message.HandlerMiddleware{poison, p.annotateAge, retry.Middleware, middleware.Recoverer}, nil
}

// deliveryError carries how long the failed delivery had been in flight
// since the bridge relayed it.
type deliveryError struct {
	err error
	age time.Duration
}

func (e *deliveryError) Error() string { return e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }

func (p *Pipeline) annotateAge(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			err = &deliveryError{err: err, age: relayedAge(msg, p.clock.Now())}
		}
		return out, err
	}
}

// shouldDeadLetter runs once the retry budget is spent. Shutdown errors are
// left to the broker so the delivery comes back on the next start.
func (p *Pipeline) shouldDeadLetter(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	reason := metricspkg.ReasonExhausted
	retries := p.opts.MaxRetries
	if errspkg.IsMalformed(err) {
		reason = metricspkg.ReasonMalformed
		retries = 0
	}
	var age time.Duration
	var de *deliveryError
	if errors.As(err, &de) {
		age = de.age
	}
	p.metrics.DeadLetter.Inc()
	p.dlq.RecordDeadLetter(p.opts.DeadLetterTopic, p.opts.Name, reason, retries, age)
	p.logger.Error("Dead-lettering delivery", err, loggingpkg.LogFields{
		"dead_letter_topic": p.opts.DeadLetterTopic,
		"reason":            reason,
	})
	return true
}

// Run purges expired processing records until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.opts.Retention <= 0 {
		<-ctx.Done()
		return nil
	}
	clock.Every(ctx, p.clock, p.opts.RetentionInterval, func(ctx context.Context) {
		if _, err := p.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Retention sweep failed", err, nil)
		}
	})
	return nil
}

// PurgeOnce deletes records older than the retention period.
func (p *Pipeline) PurgeOnce(ctx context.Context) (int64, error) {
	if p.opts.Retention <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	purged, err := p.store.PurgeExpired(ctx, p.clock.Now().Add(-p.opts.Retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		p.logger.Info("Purged expired processing records", loggingpkg.LogFields{"purged": purged})
	}
	return purged, nil
}

// relayedAge reads how long ago the bridge published the message.
func relayedAge(msg *message.Message, now time.Time) time.Duration {
	raw := msg.Metadata.Get(metadatapkg.KeyRelayedAt)
	if raw == "" {
		return 0
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || at.After(now) {
		return 0
	}
	return now.Sub(at)
}
