package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	"github.com/drblury/vehiclerelay/internal/runtime/pipeline"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
	transportpkg "github.com/drblury/vehiclerelay/internal/runtime/transport"
)

// ConsumerDependencies extend ServiceDependencies with per-pipeline stores,
// keyed by pipeline name. Pipelines without an entry open the store their
// config selects.
type ConsumerDependencies struct {
	ServiceDependencies
	ProcessedStores map[string]store.ProcessedStore
}

// Consumer is the consumer process: one handler per fan-out pipeline.
type Consumer struct {
	*Service
	Pipelines []*pipeline.Pipeline
}

// PipelineHandlerName names a pipeline's handler on the router.
func PipelineHandlerName(name string) string { return "pipeline-" + name }

// NewConsumer validates the config and registers every configured pipeline.
func NewConsumer(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ConsumerDependencies) (*Consumer, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.ValidateConsumer(); err != nil {
		return nil, err
	}
	svc, err := NewService(conf, log, deps.ServiceDependencies)
	if err != nil {
		return nil, err
	}
	c, err := svc.wireConsumer(ctx, deps.ProcessedStores)
	if err != nil {
		if closeErr := svc.close(); closeErr != nil {
			log.Error("Failed to release consumer resources", closeErr, nil)
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) wireConsumer(ctx context.Context, stores map[string]store.ProcessedStore) (*Consumer, error) {
	conf := s.Conf
	opener := store.NewOpener(conf.Store, s.Logger, s.getClock())
	s.AddCloser(opener)
	caps := transportpkg.GetCapabilities(conf.Sink.System)

	consumer := &Consumer{Service: s}
	for _, pc := range conf.ResolvedPipelines() {
		p, err := s.wirePipeline(ctx, pc, stores[pc.Name], opener, caps)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pc.Name, err)
		}
		consumer.Pipelines = append(consumer.Pipelines, p)
	}
	return consumer, nil
}

func (s *Service) wirePipeline(ctx context.Context, pc configpkg.PipelineConfig, ps store.ProcessedStore, opener *store.Opener, caps transportpkg.Capabilities) (*pipeline.Pipeline, error) {
	conf := s.Conf
	endpoint := conf.Sink.ForPipeline(pc).ForQueue(pc.Queue)
	t, err := s.Transport(ctx, &endpoint)
	if err != nil {
		return nil, err
	}

	if ps == nil {
		ps, err = opener.ProcessedStore(ctx, pc)
		if err != nil {
			return nil, err
		}
	}
	s.AddCloser(ps)

	p, err := pipeline.New(pipeline.Dependencies{
		Store:   ps,
		Metrics: s.metrics,
		Logger:  s.Logger,
		Clock:   s.getClock(),
	}, pipeline.Options{
		Name:                 pc.Name,
		Queue:                pc.Queue,
		DeadLetterTopic:      pc.DeadLetterTopic,
		MaxRetries:           pc.MaxRetries,
		RetryInitialInterval: pc.RetryInitialInterval,
		RetryMaxInterval:     pc.RetryMaxInterval,
		StoreTimeout:         conf.Store.Timeout,
		Retention:            conf.Store.Retention,
		RetentionInterval:    conf.Store.RetentionInterval,
	})
	if err != nil {
		return nil, err
	}

	if err := declareDeadLetterQueue(t.Subscriber, p.DeadLetterTopic()); err != nil {
		return nil, err
	}

	// Dead letters go back out on the pipeline's own sink connection.
	mws, err := p.Middlewares(t.Publisher)
	if err != nil {
		return nil, err
	}
	err = s.registerConsumer(ConsumerRegistration{
		Name:         PipelineHandlerName(pc.Name),
		ConsumeQueue: pc.Queue,
		PublishQueue: p.DeadLetterTopic(),
		Subscriber:   t.Subscriber,
		Handler:      p.Handle,
		Middlewares:  mws,
		Replicas:     caps.EffectiveConcurrency(pc.Concurrency),
	})
	if err != nil {
		return nil, err
	}

	s.AddRunner(p.Run)
	s.AddStoreProbe(StoreProbe{Name: "processed_" + pc.Name, Ping: ps.Ping, Count: ps.Count})
	return p, nil
}

// declareDeadLetterQueue sets up the dead-letter topic before the first
// dead letter is published. On RabbitMQ this declares the durable queue and
// binds it to the exchange; without the binding the exchange drops the message.
func declareDeadLetterQueue(sub message.Subscriber, topic string) error {
	initializer, ok := sub.(message.SubscribeInitializer)
	if !ok || topic == "" {
		return nil
	}
	if err := initializer.SubscribeInitialize(topic); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", topic, err)
	}
	return nil
}
