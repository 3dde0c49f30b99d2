// Package nats provides the NATS Core transport. Subscriptions join a queue
// group named after the endpoint's consumer group, so several relay
// instances split the subject between them.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/vehiclerelay/internal/runtime/metadata"
	"github.com/drblury/vehiclerelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetURL()
	marshaler := &Marshaler{}
	options := ConnectionOptions(cfg)

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: cfg.GetConsumerGroup(),
			SubscribersCount: 1,
			JetStream:        nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectionOptions never gives up reconnecting and spaces attempts with the
// endpoint's reconnect backoff.
func ConnectionOptions(cfg transport.Config) []nc.Option {
	options := []nc.Option{
		nc.MaxReconnects(-1),
		nc.RetryOnFailedConnect(true),
		nc.CustomReconnectDelay(func(attempts int) time.Duration {
			return transport.ReconnectDelay(cfg, attempts)
		}),
	}
	if name := cfg.GetClientID(); name != "" {
		options = append(options, nc.Name(name))
	}
	if user := cfg.GetUsername(); user != "" {
		options = append(options, nc.UserInfo(user, cfg.GetPassword()))
	}
	return options
}

// Marshaler is the watermill NATS marshaler that also exposes the
// Nats-Msg-Id header as the delivery key.
type Marshaler struct {
	nats.NATSMarshaler
}

func (m *Marshaler) Unmarshal(msg *nc.Msg) (*message.Message, error) {
	out, err := m.NATSMarshaler.Unmarshal(msg)
	if err != nil {
		return nil, err
	}
	if out.Metadata.Get(metadata.KeySourceMessageID) == "" && msg.Header != nil {
		if id := msg.Header.Get(nc.MsgIdHdr); id != "" {
			out.Metadata.Set(metadata.KeySourceMessageID, id)
		}
	}
	return out, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
