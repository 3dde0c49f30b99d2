// Package kafka provides the Kafka transport. Consumers join a consumer
// group and start from the oldest retained offset, so a new group replays
// the topic rather than skipping what was written before it existed.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/vehiclerelay/internal/runtime/metadata"
	"github.com/drblury/vehiclerelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetBrokers()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           Unmarshaler{},
			ConsumerGroup:         cfg.GetConsumerGroup(),
			OverwriteSaramaConfig: SubscriberSaramaConfig(cfg),
			ReconnectRetrySleep:   transport.ReconnectDelay(cfg, 1),
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

// SubscriberSaramaConfig starts new groups at the oldest offset and retries
// failed partition reads with the endpoint's reconnect backoff.
func SubscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Retry.BackoffFunc = func(retries int) time.Duration {
		return transport.ReconnectDelay(cfg, retries+1)
	}
	applyClientSettings(saramaConfig, cfg)
	return saramaConfig
}

// PublisherSaramaConfig waits for all in-sync replicas before a publish counts.
func PublisherSaramaConfig(cfg transport.Config) *sarama.Config {
	saramaConfig := kafka.DefaultSaramaSyncPublisherConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Metadata.Retry.BackoffFunc = func(retries, _ int) time.Duration {
		return transport.ReconnectDelay(cfg, retries+1)
	}
	applyClientSettings(saramaConfig, cfg)
	return saramaConfig
}

func applyClientSettings(saramaConfig *sarama.Config, cfg transport.Config) {
	if id := cfg.GetClientID(); id != "" {
		saramaConfig.ClientID = id
	}
	if user := cfg.GetUsername(); user != "" {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = user
		saramaConfig.Net.SASL.Password = cfg.GetPassword()
	}
}

// Unmarshaler decodes like the watermill default and records the record's
// topic/partition/offset as its delivery key. A redelivered record keeps the
// same key.
type Unmarshaler struct {
	kafka.DefaultMarshaler
}

func (u Unmarshaler) Unmarshal(record *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := u.DefaultMarshaler.Unmarshal(record)
	if err != nil {
		return nil, err
	}
	if msg.Metadata.Get(metadata.KeySourceMessageID) == "" {
		msg.Metadata.Set(metadata.KeySourceMessageID, DeliveryKey(record))
	}
	return msg, nil
}

// DeliveryKey formats the coordinates of a record.
func DeliveryKey(record *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", record.Topic, record.Partition, record.Offset)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
