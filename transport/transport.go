// Package transport defines the broker abstraction the relay runs on. Each
// broker lives in its own sub-package and registers a Builder with the
// registry; the bridge and the consumers select one by name from config.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves, returning the first error.
func (t Transport) Close() error {
	var first error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			first = err
		}
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the endpoint values transports read. A transport only
// consults the getters that apply to it.
type Config interface {
	// GetSystem returns the transport name.
	GetSystem() string

	GetURL() string
	GetBrokers() []string
	GetConsumerGroup() string
	GetClientID() string
	GetUsername() string
	GetPassword() string

	// GetDestination is the queue or topic the endpoint reads and writes.
	GetDestination() string
	GetExchange() string
	GetExchangeType() string
	GetRoutingKey() string

	GetMessageTTL() time.Duration
	GetPrefetch() int
	GetQoS() int

	GetReconnectInitial() time.Duration
	GetReconnectMultiplier() float64
	GetReconnectMaxInterval() time.Duration
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
