package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	transportpkg "github.com/drblury/vehiclerelay/internal/runtime/transport"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type recordingPublisher struct {
	mu     sync.Mutex
	closed bool
}

func (p *recordingPublisher) Publish(string, ...*message.Message) error { return nil }

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// stubRouterRun replaces the router loop for the duration of a test.
func stubRouterRun(t *testing.T, run func(context.Context) error) {
	t.Helper()
	orig := routerRun
	routerRun = func(_ *message.Router, ctx context.Context) error { return run(ctx) }
	t.Cleanup(func() { routerRun = orig })
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	if _, err := NewService(nil, newTestLogger(), ServiceDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := NewService(newTestConfig(t), nil, ServiceDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
}

func TestNewServiceDefaults(t *testing.T) {
	svc, err := NewService(newTestConfig(t), newTestLogger(), ServiceDependencies{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Metrics() == nil || svc.Metrics().Namespace() != "test" {
		t.Fatal("expected a metrics registry in the configured namespace")
	}
	if svc.factory == nil {
		t.Fatal("expected the default transport factory")
	}
	if svc.Router() == nil {
		t.Fatal("expected a router")
	}
	if svc.getErrorClassifier() == nil {
		t.Fatal("expected the default error classifier")
	}
}

func TestNewServiceReturnsMiddlewareBuilderError(t *testing.T) {
	_, err := NewService(newTestConfig(t), newTestLogger(), ServiceDependencies{
		Middlewares: []MiddlewareRegistration{{
			Name: "bad",
			Builder: func(*Service) (message.HandlerMiddleware, error) {
				return nil, errors.New("boom")
			},
		}},
	})
	if err == nil || err.Error() != "register middleware bad: boom" {
		t.Fatalf("expected builder error, got %v", err)
	}
}

func TestNewServiceRejectsEmptyRegistration(t *testing.T) {
	_, err := NewService(newTestConfig(t), newTestLogger(), ServiceDependencies{
		Middlewares: []MiddlewareRegistration{{}},
	})
	if err == nil {
		t.Fatal("expected an error for a registration without middleware")
	}
}

func TestNewServiceRegistersCustomMiddleware(t *testing.T) {
	called := false
	_, err := NewService(newTestConfig(t), newTestLogger(), ServiceDependencies{
		DisableDefaultMiddlewares: true,
		Middlewares: []MiddlewareRegistration{{
			Name: "custom",
			Builder: func(*Service) (message.HandlerMiddleware, error) {
				called = true
				return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
			},
		}},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if !called {
		t.Fatal("expected custom middleware builder to be called")
	}
}

func TestServiceTransportUsesFactoryAndClosesOnStop(t *testing.T) {
	pub := &recordingPublisher{}
	var built *configpkg.EndpointConfig
	factory := transportpkg.FactoryFunc(func(_ context.Context, endpoint *configpkg.EndpointConfig, _ watermill.LoggerAdapter) (transportpkg.Transport, error) {
		built = endpoint
		return transportpkg.Transport{Publisher: pub}, nil
	})
	conf := newTestConfig(t)
	svc, err := NewService(conf, newTestLogger(), ServiceDependencies{TransportFactory: factory, Metrics: metricspkg.New("test")})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if _, err := svc.Transport(context.Background(), &conf.Sink); err != nil {
		t.Fatalf("Transport: %v", err)
	}
	if built != &conf.Sink {
		t.Fatal("expected the factory to receive the endpoint")
	}

	stubRouterRun(t, func(context.Context) error { return nil })
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !pub.isClosed() {
		t.Fatal("expected the transport to be closed when Start returns")
	}
}

func TestServiceTransportPropagatesFactoryError(t *testing.T) {
	factory := transportpkg.FactoryFunc(func(context.Context, *configpkg.EndpointConfig, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, errors.New("dial failed")
	})
	conf := newTestConfig(t)
	svc, err := NewService(conf, newTestLogger(), ServiceDependencies{TransportFactory: factory, Metrics: metricspkg.New("test")})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Transport(context.Background(), &conf.Source); err == nil {
		t.Fatal("expected the factory error")
	}
}

func TestServiceStartRunsRunnersUntilCancelled(t *testing.T) {
	svc := newTestService(t)
	routerStarted := make(chan struct{})
	stubRouterRun(t, func(ctx context.Context) error {
		close(routerStarted)
		<-ctx.Done()
		return nil
	})

	runnerStarted := make(chan struct{})
	runnerStopped := make(chan struct{})
	svc.AddRunner(func(ctx context.Context) error {
		close(runnerStarted)
		<-ctx.Done()
		close(runnerStopped)
		return nil
	})

	var order []string
	svc.AddCloser(closerFunc(func() error { order = append(order, "first"); return nil }))
	svc.AddCloser(closerFunc(func() error { order = append(order, "second"); return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	for _, ch := range []chan struct{}{routerStarted, runnerStarted} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("router and runner were not started")
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	select {
	case <-runnerStopped:
	default:
		t.Fatal("expected the runner to be stopped")
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("expected closers in reverse order, got %v", order)
	}
}

func TestServiceStartStopsRunnersWhenRouterStops(t *testing.T) {
	svc := newTestService(t)
	stubRouterRun(t, func(context.Context) error { return nil })

	stopped := make(chan struct{})
	svc.AddRunner(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("expected the runner to observe cancellation")
	}
}

func TestServiceStartReturnsRunnerError(t *testing.T) {
	svc := newTestService(t)
	routerCancelled := make(chan struct{})
	stubRouterRun(t, func(ctx context.Context) error {
		<-ctx.Done()
		close(routerCancelled)
		return nil
	})

	boom := errors.New("sweep failed")
	svc.AddRunner(func(context.Context) error { return boom })

	closeErr := errors.New("close failed")
	svc.AddCloser(closerFunc(func() error { return closeErr }))

	err := svc.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected runner error, got %v", err)
	}
	select {
	case <-routerCancelled:
	default:
		t.Fatal("expected the router to be stopped")
	}
}

func TestServiceStartReportsCloseErrors(t *testing.T) {
	svc := newTestService(t)
	stubRouterRun(t, func(context.Context) error { return nil })

	closeErr := errors.New("close failed")
	svc.AddCloser(closerFunc(func() error { return closeErr }))

	if err := svc.Start(context.Background()); !errors.Is(err, closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestServiceStartRunsRealRouter(t *testing.T) {
	svc := newTestService(t)
	stop := startService(t, svc)
	if err := stop(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
}

func TestGetErrorClassifierNilClassifier(t *testing.T) {
	svc := &Service{}
	if svc.getErrorClassifier()(nil) != ErrorCategoryNone {
		t.Fatal("expected the default classifier")
	}
	if svc.getClock() == nil {
		t.Fatal("expected a real clock fallback")
	}
}
