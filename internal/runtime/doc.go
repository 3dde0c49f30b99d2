/*
Package runtime hosts the two vehicle relay processes on a Watermill router.

# Package Structure

## Core Service (service.go)

Service wires together:
  - the message router and its router-wide middleware chain
  - broker connections built through the transport factory
  - background runners (recovery, retry and retention sweeps)
  - the HTTP status surface
  - the resources released when Start returns

## Processes (bridge.go, consumer.go)

NewBridge connects the source, the sink and the event store and registers
the relay handler. NewConsumer registers one handler per fan-out pipeline,
each with its own processed store and dead-letter topic.

## Handler Registration (registration.go)

RegisterConsumer attaches a handler once per replica and keeps one stats
entry for all replicas.

## Middleware (middleware.go, hooks.go)

Router-wide: correlation ID, message logging, tracing, Prometheus metrics
and job hooks. Per handler: store retries for the bridge; dead-lettering and
retries for the pipelines; panic recovery for both.

## Stats & Monitoring (models.go, resources.go, http.go)

Per-handler latency percentiles, throughput, error categories, in-flight
counts and relay lag, served by /api/handlers next to /health, /status,
/api/dlq and /metrics.

# Sub-packages

  - clock/: injectable time source for backoff and sweeps
  - config/: configuration, defaults and validation
  - errors/: sentinel errors and the error taxonomy
  - events/: the canonical event, processing record and relay states
  - ids/: deterministic event ids and ULIDs
  - jsoncodec/: JSON encoding
  - logging/: logger interface and adapters
  - metadata/: message metadata keys and helpers
  - metrics/: the Prometheus registry
  - normalize/: payload normalization
  - pipeline/: fan-out consumer pipelines
  - relay/: the durable relay core, retrier and sweeps
  - sink/: sink publisher with timeout and circuit breaker
  - store/: event and processed-record stores
  - transport/: transport factory and capabilities
*/
package runtime
