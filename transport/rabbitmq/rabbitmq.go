// Package rabbitmq provides the RabbitMQ/AMQP transport. With an exchange
// configured it declares a durable exchange and binds durable queues to it by
// routing key; without one it uses the default exchange and plain queues.
package rabbitmq

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/vehiclerelay/internal/runtime/metadata"
	"github.com/drblury/vehiclerelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

const (
	messageTTLArgument = "x-message-ttl"
	deadLetterSuffix   = ".dlq"
)

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ transport sharing one reconnecting connection
// between the publisher and the subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	amqpConfig := NewConfig(cfg)

	conn, err := ConnectionFactory(amqpConfig.Connection, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// NewConfig maps an endpoint onto the watermill-amqp configuration: durable
// queues carrying the message TTL, prefetch for flow control, publisher
// confirms, and the endpoint's reconnect backoff.
func NewConfig(cfg transport.Config) amqp.Config {
	ttl := cfg.GetMessageTTL()
	route := routing{destination: cfg.GetDestination(), routingKey: cfg.GetRoutingKey()}

	prefetch := cfg.GetPrefetch()
	if prefetch <= 0 {
		prefetch = 1
	}

	amqpConfig := amqp.Config{
		Connection: amqp.ConnectionConfig{
			AmqpURI: cfg.GetURL(),
			Reconnect: &amqp.ReconnectConfig{
				BackoffInitialInterval: orDefault(cfg.GetReconnectInitial(), time.Second),
				BackoffMultiplier:      multiplierOrDefault(cfg.GetReconnectMultiplier()),
				BackoffMaxInterval:     orDefault(cfg.GetReconnectMaxInterval(), time.Minute),
			},
		},
		Marshaler: Marshaler{TTL: ttl},
		Queue: amqp.QueueConfig{
			GenerateName: amqp.GenerateQueueNameTopicName,
			Durable:      true,
			Arguments:    queueArguments(ttl),
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: route.publishKey,
			ConfirmDelivery:    true,
		},
		Consume: amqp.ConsumeConfig{
			Qos: amqp.QosConfig{PrefetchCount: prefetch},
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}

	if exchange := cfg.GetExchange(); exchange != "" {
		exchangeType := cfg.GetExchangeType()
		if exchangeType == "" {
			exchangeType = "topic"
		}
		amqpConfig.Exchange = amqp.ExchangeConfig{
			GenerateName: func(string) string { return exchange },
			Type:         exchangeType,
			Durable:      true,
		}
		amqpConfig.QueueBind = amqp.QueueBindConfig{
			GenerateRoutingKey: route.bindingKey,
		}
	}

	return amqpConfig
}

// routing decides routing keys. Events published to the endpoint destination
// travel under the configured routing key so every bound queue gets a copy;
// anything else, dead-letter topics included, is routed by its own name.
type routing struct {
	destination string
	routingKey  string
}

func (r routing) publishKey(topic string) string {
	if r.routingKey != "" && topic == r.destination {
		return r.routingKey
	}
	return topic
}

func (r routing) bindingKey(topic string) string {
	if r.routingKey == "" || strings.HasSuffix(topic, deadLetterSuffix) {
		return topic
	}
	return r.routingKey
}

func queueArguments(ttl time.Duration) amqp091.Table {
	if ttl <= 0 {
		return nil
	}
	return amqp091.Table{messageTTLArgument: ttl.Milliseconds()}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func multiplierOrDefault(m float64) float64 {
	if m < 1 {
		return 1.5
	}
	return m
}

// Marshaler extends the watermill default marshaler. Outgoing messages carry
// the watermill UUID as AMQP message-id plus a per-message expiration;
// incoming AMQP message-ids become the source_message_id delivery key.
type Marshaler struct {
	amqp.DefaultMarshaler
	TTL time.Duration
}

func (m Marshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	publishing, err := m.DefaultMarshaler.Marshal(msg)
	if err != nil {
		return publishing, err
	}
	if publishing.MessageId == "" {
		publishing.MessageId = msg.UUID
	}
	if m.TTL > 0 && publishing.Expiration == "" {
		publishing.Expiration = strconv.FormatInt(m.TTL.Milliseconds(), 10)
	}
	if publishing.ContentType == "" {
		publishing.ContentType = "application/json"
	}
	return publishing, nil
}

func (m Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	msg, err := m.DefaultMarshaler.Unmarshal(delivery)
	if err != nil {
		return nil, err
	}
	if delivery.MessageId != "" && msg.Metadata.Get(metadata.KeySourceMessageID) == "" {
		msg.Metadata.Set(metadata.KeySourceMessageID, delivery.MessageId)
	}
	return msg, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
