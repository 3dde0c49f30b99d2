package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	transportpkg "github.com/drblury/vehiclerelay/internal/runtime/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Metrics is the process registry. One is created from the config when nil.
	Metrics                   *metricspkg.Registry
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
	Hooks                     JobHooks
	Clock                     clock.Clock
}

// StoreProbe lets the status endpoint ping a store and count what it holds.
type StoreProbe struct {
	Name  string
	Ping  func(context.Context) error
	Count func(context.Context) (int64, error)
}

// Service hosts one process: a Watermill router with its middleware chain,
// the background runners of the relay or the pipelines, and the HTTP status
// surface.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	metrics  *metricspkg.Registry
	factory  transportpkg.Factory
	wmLogger watermill.LoggerAdapter
	router   *message.Router
	clock    clock.Clock

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	runners []func(context.Context) error
	closers []io.Closer
	probes  []StoreProbe
	mu      sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
	startedAt       time.Time
}

// NewService constructs a Service for the supplied configuration. Register
// consumers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating service", loggingpkg.LogFields{
		"service": conf.ServiceName,
		"source":  conf.Source.System,
		"sink":    conf.Sink.System,
		"config":  conf.String(),
	})

	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	s := &Service{
		Conf:            conf,
		Logger:          log,
		metrics:         deps.Metrics,
		factory:         deps.TransportFactory,
		wmLogger:        wmLogger,
		clock:           c,
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(c),
		startedAt:       c.Now(),
	}
	if s.metrics == nil {
		s.metrics = metricspkg.New(conf.Metrics.Namespace)
	}
	if s.factory == nil {
		s.factory = transportpkg.DefaultFactory()
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.ShutdownGrace}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

// Metrics returns the process metrics registry.
func (s *Service) Metrics() *metricspkg.Registry { return s.metrics }

// Router exposes the underlying router, mainly so callers can wait on Running.
func (s *Service) Router() *message.Router { return s.router }

// Transport connects to one broker endpoint. The connection is closed when
// Start returns.
func (s *Service) Transport(ctx context.Context, endpoint *configpkg.EndpointConfig) (transportpkg.Transport, error) {
	t, err := s.factory.Build(ctx, endpoint, s.wmLogger)
	if err != nil {
		return transportpkg.Transport{}, err
	}
	s.AddCloser(t)
	return t, nil
}

// AddRunner registers a background loop started alongside the router. A
// runner returns when its context is done; an error stops the process.
func (s *Service) AddRunner(run func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = append(s.runners, run)
}

// AddCloser registers a resource released, in reverse order, when Start returns.
func (s *Service) AddCloser(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, c)
}

// AddStoreProbe registers a store on the status endpoint.
func (s *Service) AddStoreProbe(p StoreProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, p)
}

// Start runs the router, the runners and the HTTP servers until ctx is
// cancelled, a signal arrives or one of them fails.
func (s *Service) Start(ctx context.Context) error {
	s.registerStatusEndpoints()
	servers := s.startHTTPServers()

	s.mu.Lock()
	runners := append([]func(context.Context) error(nil), s.runners...)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The signals plugin closes the router without touching ctx, so the
		// runners are stopped explicitly.
		defer cancel()
		return routerRun(s.router, gctx)
	})
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}
	err := g.Wait()

	s.shutdownHTTPServers(servers)
	if closeErr := s.close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *Service) close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	if !deps.Hooks.empty() {
		registrations = append(registrations, JobHooksMiddleware(deps.Hooks))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker(s.clock)
	}
	return s.resourceTracker
}

func (s *Service) getClock() clock.Clock {
	if s.clock == nil {
		return clock.Real()
	}
	return s.clock
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return servers
}

func (s *Service) shutdownHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
