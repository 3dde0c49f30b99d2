package runtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

// ConsumerRegistration wires one consuming handler onto the router.
type ConsumerRegistration struct {
	Name         string
	ConsumeQueue string
	// PublishQueue is informational: it names where the handler's effects go
	// in /api/handlers.
	PublishQueue string
	Subscriber   message.Subscriber
	Handler      message.NoPublishHandlerFunc
	// Middlewares wrap only this handler, outermost first.
	Middlewares []message.HandlerMiddleware
	// Replicas is the number of competing subscriptions on ConsumeQueue.
	Replicas int
}

// RegisterConsumer attaches the handler to the service router, once per
// replica. Replicas share one stats entry.
func RegisterConsumer(svc *Service, cfg ConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerConsumer(cfg)
}

func (s *Service) registerConsumer(cfg ConsumerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Subscriber == nil {
		return fmt.Errorf("handler %s: subscriber is required", cfg.Name)
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	stats := newHandlerStats(cfg.ConsumeQueue, cfg.PublishQueue, s.getResourceTracker(), s.getClock())
	info := &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Replicas:     cfg.Replicas,
		Stats:        stats,
	}

	s.handlersMu.Lock()
	for _, existing := range s.handlers {
		if existing.Name == cfg.Name {
			s.handlersMu.Unlock()
			return fmt.Errorf("handler %s is already registered", cfg.Name)
		}
	}
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	handler := wrapHandlerWithStats(cfg.Handler, stats, s.getErrorClassifier(), s.getClock())
	for i := 1; i <= cfg.Replicas; i++ {
		name := cfg.Name
		if cfg.Replicas > 1 {
			name = fmt.Sprintf("%s-%d", cfg.Name, i)
		}
		h := s.router.AddConsumerHandler(name, cfg.ConsumeQueue, cfg.Subscriber, handler)
		if len(cfg.Middlewares) > 0 {
			h.AddMiddleware(cfg.Middlewares...)
		}
	}

	s.Logger.Info("Registered consumer", loggingpkg.LogFields{
		"handler":  cfg.Name,
		"queue":    cfg.ConsumeQueue,
		"replicas": cfg.Replicas,
	})
	return nil
}

// Handlers returns the registered handlers.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return append([]*HandlerInfo(nil), s.handlers...)
}

func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats, classifier ErrorClassifier, c clock.Clock) message.NoPublishHandlerFunc {
	if c == nil {
		c = clock.Real()
	}
	return func(msg *message.Message) error {
		lag := stats.begin(msg)
		start := c.Now()
		err := handler(msg)
		stats.finish(lag, c.Now().Sub(start), err, classifier)
		return err
	}
}
