package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	"github.com/drblury/vehiclerelay/internal/runtime/relay"
	"github.com/drblury/vehiclerelay/internal/runtime/sink"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
	transportpkg "github.com/drblury/vehiclerelay/internal/runtime/transport"
)

// BridgeHandlerName names the relay handler on the router and in /api/handlers.
const BridgeHandlerName = "vehicle-bridge"

// BridgeDependencies extend ServiceDependencies with an optional event store.
// The store selected by store.driver is opened when EventStore is nil. Either
// way the store is closed when Start returns.
type BridgeDependencies struct {
	ServiceDependencies
	EventStore store.EventStore
}

// Bridge is the bridge process: source listener, relay core, sink publisher
// and the recovery and retention sweeps.
type Bridge struct {
	*Service
	Relay *relay.Relay
	Store store.EventStore
}

// NewBridge validates the config, connects to both brokers and the store,
// and registers the relay handler. Call Start to run it.
func NewBridge(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BridgeDependencies) (*Bridge, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.ValidateBridge(); err != nil {
		return nil, err
	}
	svc, err := NewService(conf, log, deps.ServiceDependencies)
	if err != nil {
		return nil, err
	}
	b, err := svc.wireBridge(ctx, deps.EventStore)
	if err != nil {
		if closeErr := svc.close(); closeErr != nil {
			log.Error("Failed to release bridge resources", closeErr, nil)
		}
		return nil, err
	}
	return b, nil
}

func (s *Service) wireBridge(ctx context.Context, events store.EventStore) (*Bridge, error) {
	conf := s.Conf
	c := s.getClock()

	source, err := s.Transport(ctx, &conf.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sinkTransport, err := s.Transport(ctx, &conf.Sink)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	if events == nil {
		opener := store.NewOpener(conf.Store, s.Logger, c)
		s.AddCloser(opener)
		events, err = opener.EventStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	s.AddCloser(events)

	publisher, err := sink.NewWatermillPublisher(sinkTransport.Publisher, sink.Options{
		Timeout:         conf.Relay.PublishTimeout,
		CircuitFailures: uint32(max(conf.Relay.CircuitFailures, 0)),
		CircuitCooldown: conf.Relay.CircuitCooldown,
		Clock:           c,
		Logger:          s.Logger,
	})
	if err != nil {
		return nil, err
	}

	r, err := relay.New(relay.Dependencies{
		Store:   events,
		Sink:    publisher,
		Metrics: s.metrics.Bridge,
		Logger:  s.Logger,
		Clock:   c,
	}, bridgeRelayOptions(conf))
	if err != nil {
		return nil, err
	}

	err = s.registerConsumer(ConsumerRegistration{
		Name:         BridgeHandlerName,
		ConsumeQueue: conf.Source.Destination,
		PublishQueue: conf.Sink.Destination,
		Subscriber:   source.Subscriber,
		Handler:      r.Attempt,
		Middlewares:  bridgeMiddlewares(conf.Relay, s, r),
		Replicas:     transportpkg.GetCapabilities(conf.Source.System).EffectiveConcurrency(conf.Source.Concurrency),
	})
	if err != nil {
		return nil, err
	}

	s.AddRunner(r.Run)
	s.AddStoreProbe(StoreProbe{Name: "events", Ping: events.Ping, Count: events.CountEvents})

	return &Bridge{Service: s, Relay: r, Store: events}, nil
}

func bridgeRelayOptions(conf *configpkg.Config) relay.Options {
	return relay.Options{
		SourceSystem: conf.Source.System,
		Destination:  conf.Sink.Destination,
		ProcessedBy:  conf.ServiceName,
		StoreTimeout: conf.Store.Timeout,
		Retry: relay.RetryPolicy{
			InitialInterval: conf.Relay.RetryInitialInterval,
			Multiplier:      conf.Relay.RetryMultiplier,
			MaxInterval:     conf.Relay.RetryMaxInterval,
			MaxAttempts:     conf.Relay.MaxPublishAttempts,
			Workers:         conf.Relay.RetryWorkers,
		},
		RecoveryInterval:  conf.Relay.RecoveryInterval,
		RecoveryThreshold: conf.Relay.RecoveryThreshold,
		RecoveryBatch:     conf.Relay.RecoveryBatch,
		Retention:         conf.Store.Retention,
		RetentionInterval: conf.Store.RetentionInterval,
	}
}

// bridgeMiddlewares retries failed store writes a few times in process
// before the error nacks the delivery back to the source broker. Panics
// become errors first so they take the same path. The relay's delivery
// counters sit outside the retry.
func bridgeMiddlewares(rc configpkg.RelayConfig, s *Service, r *relay.Relay) []message.HandlerMiddleware {
	retry := RetryMiddlewareConfig{
		MaxRetries:      rc.StoreRetries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		RetryIf:         errspkg.IsTransient,
	}
	return []message.HandlerMiddleware{r.CountDeliveries, retry.Middleware(s.wmLogger), middleware.Recoverer}
}
