// Package sink publishes relayed events to the sink broker.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

// Publisher sends one event to a destination on the sink broker.
type Publisher interface {
	Publish(ctx context.Context, ev *events.VehicleEvent, destination string) error
}

// Options tune a WatermillPublisher. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds one publish call.
	Timeout time.Duration
	// CircuitFailures opens the breaker after this many consecutive failures.
	CircuitFailures uint32
	// CircuitCooldown is how long the breaker stays open before a probe.
	CircuitCooldown time.Duration
	Clock           clock.Clock
	Logger          loggingpkg.ServiceLogger
}

// WatermillPublisher publishes through a Watermill message.Publisher behind a
// circuit breaker. Every failure is returned as a TransientIOError.
type WatermillPublisher struct {
	pub     message.Publisher
	timeout time.Duration
	clock   clock.Clock
	logger  loggingpkg.ServiceLogger
	breaker *gobreaker.CircuitBreaker
}

func NewWatermillPublisher(pub message.Publisher, opts Options) (*WatermillPublisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CircuitFailures == 0 {
		opts.CircuitFailures = 5
	}
	if opts.CircuitCooldown <= 0 {
		opts.CircuitCooldown = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Discard()
	}

	p := &WatermillPublisher{
		pub:     pub,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	failures := opts.CircuitFailures
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sink",
		MaxRequests: 1,
		Timeout:     opts.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("Sink circuit state changed", loggingpkg.LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return p, nil
}

// Publish sends ev to destination. It waits at most the configured timeout;
// a publish still running after that is abandoned and reported as failed.
func (p *WatermillPublisher) Publish(ctx context.Context, ev *events.VehicleEvent, destination string) error {
	if destination == "" {
		return errspkg.ErrTopicRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := NewMessage(ctx, ev, p.clock.Now())
	if err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		done := make(chan error, 1)
		go func() { done <- p.pub.Publish(destination, msg) }()
		select {
		case err := <-done:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Debug("Sink circuit open, skipping publish", loggingpkg.LogFields{"event_id": ev.ID})
		}
		return errspkg.NewTransient("publish", err)
	}
	return nil
}

// CircuitState reports the breaker state for the status endpoint.
func (p *WatermillPublisher) CircuitState() string {
	return p.breaker.State().String()
}
