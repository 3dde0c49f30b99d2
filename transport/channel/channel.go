// Package channel provides an in-memory transport backed by watermill's
// gochannel. Endpoints that name the same URL share one bus, so a bridge and
// its pipelines can run in a single process for local development and tests.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/vehiclerelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBus is the bus used when an endpoint has no URL.
const DefaultBus = "memory://default"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	busesMu sync.Mutex
	buses   = map[string]*bus{}
)

type bus struct {
	name string
	pub  message.Publisher
	sub  message.Subscriber
	refs int
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns a handle on the named bus, creating it on first use. The bus
// is closed when the last handle is closed.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	name := cfg.GetURL()
	if name == "" {
		name = DefaultBus
	}

	busesMu.Lock()
	defer busesMu.Unlock()

	b, ok := buses[name]
	if !ok {
		pub, sub := Factory(gochannel.Config{
			OutputChannelBuffer: int64(max(cfg.GetPrefetch(), 0)),
			Persistent:          true,
		}, logger)
		b = &bus{name: name, pub: pub, sub: sub}
		buses[name] = b
	}
	b.refs++

	h := &handle{bus: b}
	return transport.Transport{
		Publisher:  &publisher{handle: h},
		Subscriber: &subscriber{handle: h},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// handle counts one Build call; it releases the bus once both halves close.
type handle struct {
	bus    *bus
	mu     sync.Mutex
	halves int
}

func (h *handle) release() error {
	h.mu.Lock()
	h.halves++
	done := h.halves == 2
	h.mu.Unlock()
	if !done {
		return nil
	}

	busesMu.Lock()
	h.bus.refs--
	last := h.bus.refs == 0
	if last {
		delete(buses, h.bus.name)
	}
	busesMu.Unlock()

	if !last {
		return nil
	}
	err := h.bus.pub.Close()
	if any(h.bus.sub) != any(h.bus.pub) {
		if subErr := h.bus.sub.Close(); err == nil {
			err = subErr
		}
	}
	return err
}

type publisher struct {
	*handle
	once sync.Once
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	return p.bus.pub.Publish(topic, messages...)
}

func (p *publisher) Close() (err error) {
	p.once.Do(func() { err = p.release() })
	return err
}

type subscriber struct {
	*handle
	once sync.Once
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.bus.sub.Subscribe(ctx, topic)
}

func (s *subscriber) Close() (err error) {
	s.once.Do(func() { err = s.release() })
	return err
}
