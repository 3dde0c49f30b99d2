package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	"github.com/drblury/vehiclerelay/internal/runtime/sink"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
	transportpkg "github.com/drblury/vehiclerelay/internal/runtime/transport"
	"github.com/drblury/vehiclerelay/transport"
	channeltransport "github.com/drblury/vehiclerelay/transport/channel"
)

type consumerFixture struct {
	consumer *Consumer
	stores   map[string]*store.MemoryProcessedStore
}

func newTestConsumer(t *testing.T) consumerFixture {
	t.Helper()
	stores := map[string]*store.MemoryProcessedStore{
		"java":   store.NewMemoryProcessedStore("java"),
		"python": store.NewMemoryProcessedStore("python"),
	}
	c, err := NewConsumer(context.Background(), newTestConfig(t), newTestLogger(), ConsumerDependencies{
		ServiceDependencies: ServiceDependencies{Metrics: metricspkg.New("test")},
		ProcessedStores: map[string]store.ProcessedStore{
			"java":   stores["java"],
			"python": stores["python"],
		},
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return consumerFixture{consumer: c, stores: stores}
}

func publishRelayed(t *testing.T, pub message.Publisher, topic, id, plate string) {
	t.Helper()
	msg, err := sink.NewMessage(context.Background(), &events.VehicleEvent{
		ID:           id,
		LicensePlate: plate,
		VehicleType:  "CAR",
		EventType:    "DETECTION",
		Source:       "flask-client",
		Status:       events.StatusProcessed,
	}, time.Now())
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	if err := pub.Publish(topic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestNewConsumerRequiresPipelines(t *testing.T) {
	conf := newTestConfig(t)
	conf.Pipelines = nil

	_, err := NewConsumer(context.Background(), conf, newTestLogger(), ConsumerDependencies{})
	var fatal errspkg.FatalConfigError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalConfigError, got %v", err)
	}
}

func TestConsumerRegistersOneHandlerPerPipeline(t *testing.T) {
	f := newTestConsumer(t)

	if len(f.consumer.Pipelines) != 2 {
		t.Fatalf("expected 2 pipelines, got %d", len(f.consumer.Pipelines))
	}
	handlers := f.consumer.Handlers()
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(handlers))
	}
	if handlers[0].Name != PipelineHandlerName("java") || handlers[1].Name != PipelineHandlerName("python") {
		t.Fatalf("unexpected handler names: %s, %s", handlers[0].Name, handlers[1].Name)
	}
	if handlers[0].PublishQueue != "vehicle.events.java.dlq" {
		t.Fatalf("expected java dead letters on vehicle.events.java.dlq, got %q", handlers[0].PublishQueue)
	}
}

func TestConsumerFansOutEachEventOncePerPipeline(t *testing.T) {
	f := newTestConsumer(t)
	conf := f.consumer.Conf
	bus := busHandle(t, conf.Sink)
	startService(t, f.consumer.Service)

	publishRelayed(t, bus.Publisher, conf.Sink.Destination, "evt-1", "ABC-1234")
	publishRelayed(t, bus.Publisher, conf.Sink.Destination, "evt-1", "ABC-1234")

	reg := f.consumer.Metrics()
	for _, name := range []string{"java", "python"} {
		pm := reg.Pipeline(name)
		waitFor(t, name+" to see both deliveries", func() bool { return testutil.ToFloat64(pm.Consumed) == 2 })
		waitFor(t, name+" to settle the duplicate", func() bool { return testutil.ToFloat64(pm.Duplicates) == 1 })

		records := f.stores[name].Records()
		if len(records) != 1 {
			t.Fatalf("%s: expected 1 record, got %d", name, len(records))
		}
		if records[0].SourceEventID != "evt-1" || records[0].PipelineName != name {
			t.Fatalf("%s: unexpected record %+v", name, records[0])
		}
	}
}

func TestConsumerDeadLettersMalformedPayload(t *testing.T) {
	f := newTestConsumer(t)
	conf := f.consumer.Conf
	bus := busHandle(t, conf.Sink)
	dlq, err := bus.Subscriber.Subscribe(context.Background(), "vehicle.events.java.dlq")
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	startService(t, f.consumer.Service)

	if err := bus.Publisher.Publish(conf.Sink.Destination, message.NewMessage("bad-1", []byte("{not json"))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dead := receive(t, dlq)
	if string(dead.Payload) != "{not json" {
		t.Fatalf("expected the original payload on the dlq, got %q", dead.Payload)
	}
	waitFor(t, "dlq metrics", func() bool {
		tm := f.consumer.Metrics().DLQ.Topic("vehicle.events.java.dlq")
		return tm != nil && tm.Malformed == 1
	})
	if len(f.stores["java"].Records()) != 0 {
		t.Fatal("expected nothing stored for a malformed payload")
	}
}

// declarations records topics set up ahead of consumption, the way the AMQP
// subscriber declares and binds queues.
type declarations struct {
	mu     sync.Mutex
	topics []string
	err    error
}

type declaringSubscriber struct {
	message.Subscriber
	seen *declarations
}

func (d declaringSubscriber) SubscribeInitialize(topic string) error {
	d.seen.mu.Lock()
	defer d.seen.mu.Unlock()
	d.seen.topics = append(d.seen.topics, topic)
	return d.seen.err
}

func declaringFactory(seen *declarations) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(ctx context.Context, endpoint *configpkg.EndpointConfig, logger watermill.LoggerAdapter) (transport.Transport, error) {
		channeltransport.Register()
		tr, err := channeltransport.Build(ctx, endpoint, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		tr.Subscriber = declaringSubscriber{Subscriber: tr.Subscriber, seen: seen}
		return tr, nil
	})
}

func TestConsumerDeclaresDeadLetterQueues(t *testing.T) {
	seen := &declarations{}
	_, err := NewConsumer(context.Background(), newTestConfig(t), newTestLogger(), ConsumerDependencies{
		ServiceDependencies: ServiceDependencies{Metrics: metricspkg.New("test"), TransportFactory: declaringFactory(seen)},
		ProcessedStores: map[string]store.ProcessedStore{
			"java":   store.NewMemoryProcessedStore("java"),
			"python": store.NewMemoryProcessedStore("python"),
		},
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}

	for _, want := range []string{"vehicle.events.java.dlq", "vehicle.events.python.dlq"} {
		if !slices.Contains(seen.topics, want) {
			t.Fatalf("expected %s to be declared, got %v", want, seen.topics)
		}
	}
}

func TestConsumerFailsWhenDeadLetterQueueCannotBeDeclared(t *testing.T) {
	seen := &declarations{err: errors.New("ACCESS_REFUSED")}
	_, err := NewConsumer(context.Background(), newTestConfig(t), newTestLogger(), ConsumerDependencies{
		ServiceDependencies: ServiceDependencies{Metrics: metricspkg.New("test"), TransportFactory: declaringFactory(seen)},
		ProcessedStores: map[string]store.ProcessedStore{
			"java":   store.NewMemoryProcessedStore("java"),
			"python": store.NewMemoryProcessedStore("python"),
		},
	})
	if err == nil || !errors.Is(err, seen.err) {
		t.Fatalf("expected the declare error, got %v", err)
	}
}
