package metrics

import "github.com/prometheus/client_golang/prometheus"

// Failure stages recorded on the bridge failed counter.
const (
	StageStore   = "store"
	StagePublish = "publish"
)

// BridgeMetrics are the relay core counters.
type BridgeMetrics struct {
	Received  prometheus.Counter
	Persisted prometheus.Counter
	Published prometheus.Counter
	// Failed is labelled by stage.
	Failed         *prometheus.CounterVec
	Duplicates     prometheus.Counter
	Retries        prometheus.Counter
	Parked         prometheus.Counter
	Recovered      prometheus.Counter
	RetryInFlight  prometheus.Gauge
	ProcessingTime prometheus.Histogram
}

func newBridgeMetrics(ns string) *BridgeMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Subsystem: "bridge", Name: name, Help: help})
	}
	return &BridgeMetrics{
		Received:   counter("messages_received_total", "Deliveries taken from the source broker."),
		Persisted:  counter("messages_persisted_total", "Events committed to the store for the first time."),
		Published:  counter("messages_published_total", "Events published to the sink broker."),
		Duplicates: counter("messages_redelivered_total", "Deliveries whose event was already stored."),
		Retries:    counter("publish_retries_total", "Asynchronous publish attempts."),
		Parked:     counter("messages_parked_total", "Events parked after exhausting the publish budget."),
		Recovered:  counter("messages_recovered_total", "Events rescheduled by the recovery sweep."),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bridge", Name: "messages_failed_total",
			Help: "Relay failures by stage.",
		}, []string{"stage"}),
		RetryInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "bridge", Name: "publish_retries_in_flight",
			Help: "Events currently owned by the publish retrier.",
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "bridge", Name: "processing_seconds",
			Help:    "Time from delivery to store commit and first publish attempt.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (b *BridgeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		b.Received, b.Persisted, b.Published, b.Failed, b.Duplicates,
		b.Retries, b.Parked, b.Recovered, b.RetryInFlight, b.ProcessingTime,
	}
}
