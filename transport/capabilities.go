package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsNativeDLQ indicates the broker can route rejected deliveries itself.
	// When false, pipelines publish to their dead-letter topic explicitly.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates messages within a partition/queue arrive in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the broker keeps a delivery in flight until acked.
	SupportsAck bool

	// SupportsNack indicates a nacked delivery is redelivered by the broker.
	SupportsNack bool

	// SupportsCompetingConsumers indicates several subscriptions on the same
	// destination split deliveries between them instead of each receiving a copy.
	SupportsCompetingConsumers bool

	// SupportsDeliveryKey indicates the transport exposes a stable per-delivery
	// identifier in the source_message_id metadata.
	SupportsDeliveryKey bool

	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresDLQEmulation returns true if dead-lettering has to be done by the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// EffectiveConcurrency clamps the requested number of competing consumers to
// what the transport can honour without duplicating every delivery.
func (c Capabilities) EffectiveConcurrency(requested int) int {
	if requested < 1 {
		return 1
	}
	if !c.SupportsCompetingConsumers {
		return 1
	}
	return requested
}

var (
	// ChannelCapabilities for the in-memory Go channel transport. gochannel
	// broadcasts to every subscriber, so it has no competing consumers.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		SupportsDeliveryKey:        true,
		SupportsPartitioning:       true,
		MaxMessageSize:             1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsNativeDLQ:          true,
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		SupportsDeliveryKey:        true,
	}

	// NATSCapabilities for NATS Core with queue groups. Core NATS has no
	// broker-side redelivery.
	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
		SupportsDeliveryKey:        true,
		MaxMessageSize:             1048576,
	}

	// MQTTCapabilities for MQTT 3.1.1 with QoS 1 and a persistent session.
	MQTTCapabilities = Capabilities{
		Name:         "mqtt",
		SupportsAck:  true,
		SupportsNack: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
