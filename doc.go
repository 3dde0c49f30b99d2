// Package vehiclerelay relays vehicle events from a source broker to a sink
// broker without losing them. The bridge process normalizes each delivery
// into a VehicleEvent, commits it to a durable store, publishes it to the
// sink and only then acknowledges the source. A recovery sweep republishes
// anything the store holds but the sink never confirmed, so a crash between
// commit and publish costs a duplicate, never an event.
//
// The consumer process runs one pipeline per downstream consumer. Pipelines
// subscribe to the sink independently and record each event at most once in
// their own processed store; redeliveries and sweep republishes are
// recognised and acknowledged. Payloads that cannot be decoded, and events
// that keep failing past the retry budget, go to the pipeline's dead-letter
// topic.
//
// # Transports
//
// Source and sink are selected independently from Config:
//   - rabbitmq: durable topic exchange and queue with per-message TTL
//   - kafka: consumer groups reading from the oldest offset
//   - nats: queue groups over core NATS or JetStream
//   - mqtt: QoS 1 with manual acknowledgement
//   - channel: in-memory buses for tests and local runs
//
// # Stores
//
// The bridge stores events in PostgreSQL (schema managed by embedded
// migrations) or in memory. Pipelines record processed events in
// PostgreSQL, Redis or memory.
//
// # Middleware
//
// Every router carries correlation IDs, debug logging, OpenTelemetry spans
// and Prometheus router metrics. Retries, dead-lettering and panic recovery
// are added per handler. JobHooks add callbacks around every delivery.
//
// A minimal bridge is Load, NewBridge and Start; cmd/vehiclerelay does
// exactly that for both processes.
package vehiclerelay
