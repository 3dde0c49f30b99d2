package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	"github.com/drblury/vehiclerelay/internal/runtime/sink"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func relayed(t *testing.T, id, plate string) *message.Message {
	t.Helper()
	msg, err := sink.NewMessage(context.Background(), &events.VehicleEvent{
		ID:           id,
		LicensePlate: plate,
		VehicleType:  "CAR",
		EventType:    "DETECTION",
		Source:       "flask-client",
		Status:       events.StatusProcessed,
	}, epoch)
	require.NoError(t, err)
	return msg
}

func newTestPipeline(t *testing.T, st store.ProcessedStore, opts Options) (*Pipeline, *metricspkg.Registry) {
	t.Helper()
	reg := metricspkg.New("test")
	if opts.Name == "" {
		opts.Name = "java"
	}
	if opts.Queue == "" {
		opts.Queue = "vehicle.events"
	}
	p, err := New(Dependencies{Store: st, Metrics: reg, Clock: clock.NewFake(epoch.Add(time.Minute))}, opts)
	require.NoError(t, err)
	return p, reg
}

func TestNewValidates(t *testing.T) {
	reg := metricspkg.New("test")
	st := store.NewMemoryProcessedStore("java")

	_, err := New(Dependencies{Store: st, Metrics: reg}, Options{Queue: "q"})
	assert.ErrorIs(t, err, errspkg.ErrHandlerNameRequired)
	_, err = New(Dependencies{Store: st, Metrics: reg}, Options{Name: "java"})
	assert.ErrorIs(t, err, errspkg.ErrConsumeQueueRequired)
	_, err = New(Dependencies{Metrics: reg}, Options{Name: "java", Queue: "q"})
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)

	p, err := New(Dependencies{Store: st, Metrics: reg}, Options{Name: "java", Queue: "q"})
	require.NoError(t, err)
	assert.Equal(t, "q.dlq", p.DeadLetterTopic())
	assert.Equal(t, "consumer-java", p.ProcessedBy())
}

func TestHandleRecordsOncePerEvent(t *testing.T) {
	st := store.NewMemoryProcessedStore("java")
	p, reg := newTestPipeline(t, st, Options{})

	require.NoError(t, p.Handle(relayed(t, "e-1", "ABC-1234")))
	require.NoError(t, p.Handle(relayed(t, "e-1", "ABC-1234")))
	require.NoError(t, p.Handle(relayed(t, "e-2", "XYZ-9999")))

	records := st.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "java", rec.PipelineName)
		assert.Equal(t, "consumer-java", rec.ProcessedBy)
		assert.Len(t, rec.ConsumerID, 26)
		assert.Equal(t, epoch.Add(time.Minute), rec.ProcessedAt)
	}

	m := reg.Pipeline("java")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Consumed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Zero(t, testutil.ToFloat64(m.Failed))
}

func TestPipelinesAreIndependent(t *testing.T) {
	java := store.NewMemoryProcessedStore("java")
	python := store.NewMemoryProcessedStore("python")
	pj, _ := newTestPipeline(t, java, Options{Name: "java"})
	pp, _ := newTestPipeline(t, python, Options{Name: "python"})

	for _, p := range []*Pipeline{pj, pp} {
		require.NoError(t, p.Handle(relayed(t, "e-1", "ABC-1234")))
		require.NoError(t, p.Handle(relayed(t, "e-1", "ABC-1234")))
	}
	assert.Len(t, java.Records(), 1)
	assert.Len(t, python.Records(), 1)
	assert.Equal(t, "python", python.Records()[0].PipelineName)
}

func TestHandleMalformedPayload(t *testing.T) {
	p, reg := newTestPipeline(t, store.NewMemoryProcessedStore("java"), Options{})

	err := p.Handle(message.NewMessage(watermill.NewUUID(), []byte("not an event")))
	assert.True(t, errspkg.IsMalformed(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Pipeline("java").Failed))
}

func TestHandleStoreFailureIsTransient(t *testing.T) {
	st := &flakyStore{MemoryProcessedStore: store.NewMemoryProcessedStore("java"), failures: 1}
	p, reg := newTestPipeline(t, st, Options{})

	err := p.Handle(relayed(t, "e-1", "A"))
	assert.True(t, errspkg.IsTransient(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Pipeline("java").Failed))

	require.NoError(t, p.Handle(relayed(t, "e-1", "A")))
	assert.Len(t, st.Records(), 1)
}

func TestMiddlewaresRequirePublisher(t *testing.T) {
	p, _ := newTestPipeline(t, store.NewMemoryProcessedStore("java"), Options{})
	_, err := p.Middlewares(nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
}

func TestShouldDeadLetterIgnoresShutdown(t *testing.T) {
	p, reg := newTestPipeline(t, store.NewMemoryProcessedStore("java"), Options{})
	assert.False(t, p.shouldDeadLetter(context.Canceled))
	assert.True(t, p.shouldDeadLetter(&deliveryError{err: errors.New("x"), age: time.Minute}))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Pipeline("java").DeadLetter))
}

func TestRelayedAge(t *testing.T) {
	msg := relayed(t, "e-1", "A")
	assert.Equal(t, time.Minute, relayedAge(msg, epoch.Add(time.Minute)))
	assert.Zero(t, relayedAge(msg, epoch.Add(-time.Minute)))
	assert.Zero(t, relayedAge(message.NewMessage("x", nil), epoch))
}

// routerHarness runs a pipeline on a Watermill router over gochannel.
type routerHarness struct {
	pubSub *gochannel.GoChannel
	dlq    <-chan *message.Message
}

func runOnRouter(t *testing.T, p *Pipeline) routerHarness {
	t.Helper()
	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: time.Second}, logger)
	require.NoError(t, err)
	router.AddMiddleware(middleware.CorrelationID)

	handler := router.AddConsumerHandler(p.Name(), p.Queue(), pubSub, p.Handle)
	mws, err := p.Middlewares(pubSub)
	require.NoError(t, err)
	handler.AddMiddleware(mws...)

	ctx, cancel := context.WithCancel(context.Background())
	dlq, err := pubSub.Subscribe(ctx, p.DeadLetterTopic())
	require.NoError(t, err)

	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	t.Cleanup(func() {
		cancel()
		_ = router.Close()
		_ = pubSub.Close()
	})
	return routerHarness{pubSub: pubSub, dlq: dlq}
}

func TestRouterDeadLettersMalformedWithoutRetry(t *testing.T) {
	st := store.NewMemoryProcessedStore("java")
	p, reg := newTestPipeline(t, st, Options{Queue: "vehicle.events.java", DeadLetterTopic: "vehicle.events.java.dlq"})
	h := runOnRouter(t, p)

	require.NoError(t, h.pubSub.Publish(p.Queue(), message.NewMessage(watermill.NewUUID(), []byte("{broken"))))

	select {
	case msg := <-h.dlq:
		msg.Ack()
		assert.Equal(t, "{broken", string(msg.Payload))
		assert.Contains(t, msg.Metadata.Get(middleware.ReasonForPoisonedKey), "unprocessable event")
	case <-time.After(2 * time.Second):
		t.Fatal("malformed delivery never reached the dead-letter topic")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Pipeline("java").Consumed), "malformed payloads are not retried")
	topic := reg.DLQ.Topic("vehicle.events.java.dlq")
	require.NotNil(t, topic)
	assert.EqualValues(t, 1, topic.Malformed)
}

func TestRouterDeadLettersAfterRetryBudget(t *testing.T) {
	st := &flakyStore{MemoryProcessedStore: store.NewMemoryProcessedStore("java"), failures: -1}
	p, reg := newTestPipeline(t, st, Options{
		Queue:                "vehicle.events",
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	})
	h := runOnRouter(t, p)

	require.NoError(t, h.pubSub.Publish(p.Queue(), relayed(t, "e-1", "A")))

	select {
	case msg := <-h.dlq:
		msg.Ack()
		assert.Equal(t, "e-1", msg.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("failing delivery never reached the dead-letter topic")
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.Pipeline("java").Failed), "one attempt plus two retries")
	assert.EqualValues(t, 1, reg.DLQ.Topic("vehicle.events.dlq").Exhausted)
}

func TestRouterRecoversFromTransientFailure(t *testing.T) {
	st := &flakyStore{MemoryProcessedStore: store.NewMemoryProcessedStore("java"), failures: 1}
	p, reg := newTestPipeline(t, st, Options{RetryInitialInterval: time.Millisecond})
	h := runOnRouter(t, p)

	require.NoError(t, h.pubSub.Publish(p.Queue(), relayed(t, "e-1", "A")))

	require.Eventually(t, func() bool { return len(st.Records()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Pipeline("java").Processed))
	assert.Zero(t, testutil.ToFloat64(reg.Pipeline("java").DeadLetter))
}

func TestPurgeOnce(t *testing.T) {
	st := store.NewMemoryProcessedStore("java")
	p, _ := newTestPipeline(t, st, Options{Retention: time.Hour})
	require.NoError(t, st.Insert(context.Background(), &events.ProcessingRecord{
		SourceEventID: "old", PipelineName: "java", ProcessedAt: epoch.Add(-2 * time.Hour),
	}))
	require.NoError(t, p.Handle(relayed(t, "fresh", "A")))

	purged, err := p.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.Len(t, st.Records(), 1)
}

func TestRunWithoutRetentionWaitsForCancel(t *testing.T) {
	p, _ := newTestPipeline(t, store.NewMemoryProcessedStore("java"), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

// flakyStore fails the next n inserts; a negative n fails forever.
type flakyStore struct {
	*store.MemoryProcessedStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Insert(ctx context.Context, rec *events.ProcessingRecord) error {
	s.mu.Lock()
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryProcessedStore.Insert(ctx, rec)
}
