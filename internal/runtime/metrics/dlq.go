package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks deliveries sent to pipeline dead-letter topics.
type DLQMetrics struct {
	mu sync.RWMutex

	topics map[string]*DLQTopicMetrics

	messagesTotal  *prometheus.CounterVec
	reasonTotal    *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	retryCountHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds the in-process view of one dead-letter topic.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	Malformed        uint64    `json:"malformed"`
	Exhausted        uint64    `json:"exhausted"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
}

// DLQSnapshot is a point-in-time copy served by the status API.
type DLQSnapshot struct {
	TotalMessages uint64                     `json:"total_messages"`
	Topics        map[string]DLQTopicMetrics `json:"topics"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

// Reasons a delivery is dead-lettered.
const (
	ReasonMalformed = "malformed"
	ReasonExhausted = "retries_exhausted"
)

// NewDLQMetrics creates the collectors. Call Register to expose them.
func NewDLQMetrics(namespace string, registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "dlq", Name: name, Help: help}
	}
	return &DLQMetrics{
		topics:        make(map[string]*DLQTopicMetrics),
		registerer:    registerer,
		messagesTotal: prometheus.NewCounterVec(opts("messages_total", "Deliveries sent to a dead-letter topic."), []string{"topic", "pipeline"}),
		reasonTotal:   prometheus.NewCounterVec(opts("reason_total", "Dead-lettered deliveries by reason."), []string{"topic", "reason"}),
		ageSecondsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dlq", Name: "message_age_seconds",
			Help:    "Time between the first handling attempt and dead-lettering.",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60, 300},
		}, []string{"topic"}),
		retryCountHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dlq", Name: "retry_count",
			Help:    "Handler retries before dead-lettering.",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		}, []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.messagesTotal, m.reasonTotal, m.ageSecondsHist, m.retryCountHist} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordDeadLetter records one delivery sent to topic by pipeline.
func (m *DLQMetrics) RecordDeadLetter(topic, pipeline, reason string, retryCount int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t := m.topic(topic)
	t.MessagesReceived++
	switch reason {
	case ReasonMalformed:
		t.Malformed++
	case ReasonExhausted:
		t.Exhausted++
	}
	if t.OldestMessageAt.IsZero() {
		t.OldestMessageAt = now
	}
	t.NewestMessageAt = now
	n := float64(t.MessagesReceived)
	t.AvgRetryCount = (t.AvgRetryCount*(n-1) + float64(retryCount)) / n

	m.messagesTotal.WithLabelValues(topic, pipeline).Inc()
	m.reasonTotal.WithLabelValues(topic, reason).Inc()
	m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// Snapshot copies the per-topic counters.
func (m *DLQMetrics) Snapshot() DLQSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQSnapshot{Topics: make(map[string]DLQTopicMetrics, len(m.topics)), CollectedAt: time.Now()}
	for name, t := range m.topics {
		snap.Topics[name] = *t
		snap.TotalMessages += t.MessagesReceived
	}
	return snap
}

// Topic returns a copy of one topic's counters, or nil when nothing was recorded.
func (m *DLQMetrics) Topic(topic string) *DLQTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.topics[topic]; ok {
		cp := *t
		return &cp
	}
	return nil
}

func (m *DLQMetrics) topic(name string) *DLQTopicMetrics {
	if t, ok := m.topics[name]; ok {
		return t
	}
	t := &DLQTopicMetrics{}
	m.topics[name] = t
	return t
}
