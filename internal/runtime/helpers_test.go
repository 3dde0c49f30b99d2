package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	"github.com/drblury/vehiclerelay/transport"
	channeltransport "github.com/drblury/vehiclerelay/transport/channel"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// newTestConfig returns a config running entirely on in-memory buses that
// are private to the test.
func newTestConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	return &configpkg.Config{
		ServiceName: "vehicle-relay",
		Source: configpkg.EndpointConfig{
			System:      "channel",
			URL:         "memory://source/" + t.Name(),
			Destination: "vehicle.submissions",
		},
		Sink: configpkg.EndpointConfig{
			System:      "channel",
			URL:         "memory://sink/" + t.Name(),
			Destination: "vehicle.events",
		},
		Store:         configpkg.StoreConfig{Driver: "memory", Timeout: time.Second},
		Pipelines:     []configpkg.PipelineConfig{{Name: "java", Store: "memory"}, {Name: "python", Store: "memory"}},
		Metrics:       configpkg.MetricsConfig{Enabled: true, Namespace: "test"},
		ShutdownGrace: time.Second,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(newTestConfig(t), newTestLogger(), ServiceDependencies{Metrics: metricspkg.New("test")})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

// busHandle opens a test-side connection to one of the in-memory buses.
func busHandle(t *testing.T, endpoint configpkg.EndpointConfig) transport.Transport {
	t.Helper()
	channeltransport.Register()
	tr, err := channeltransport.Build(context.Background(), &endpoint, nil)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// startService runs svc.Start in the background and waits until the router
// is consuming. The returned function stops it and returns Start's error.
func startService(t *testing.T, svc *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Router().Running():
	case err := <-done:
		cancel()
		t.Fatalf("service stopped before running: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("router did not start")
	}

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("service did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
