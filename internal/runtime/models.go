package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/vehiclerelay/internal/runtime/metadata"
)

const (
	latencySamples = 256
	rateWindow     = time.Minute
)

// HandlerInfo describes one registered consumer. PublishQueue is where the
// handler's output goes: the sink destination for the bridge, the
// dead-letter topic for a pipeline.
type HandlerInfo struct {
	Name         string        `json:"name"`
	ConsumeQueue string        `json:"consume_queue"`
	PublishQueue string        `json:"publish_queue"`
	Replicas     int           `json:"replicas"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats is the in-process view of one router handler, served by
// /api/handlers. Prometheus carries the same numbers for scraping.
type HandlerStats struct {
	mu        sync.Mutex
	clock     clock.Clock
	resources *resourceTracker
	latency   *latencyRing
	rate      *rateBuckets

	Handled     uint64    `json:"handled"`
	Failed      uint64    `json:"failed"`
	BusyNanos   int64     `json:"busy_ns"`
	LastHandled time.Time `json:"last_handled_at"`

	InFlight     int `json:"in_flight"`
	PeakInFlight int `json:"peak_in_flight"`
	// RelayLagMillis is the age of the last relayed event when the pipeline
	// picked it up, -1 until one carrying relayed_at has been seen.
	RelayLagMillis int64 `json:"relay_lag_ms"`

	Latency   LatencySummary           `json:"latency"`
	Rate      RateSummary              `json:"rate"`
	Errors    map[ErrorCategory]uint64 `json:"errors"`
	LastError string                   `json:"last_error,omitempty"`

	Subscriber EndpointHealth  `json:"subscriber"`
	Publisher  *EndpointHealth `json:"publisher,omitempty"`
	Resource   ResourceUsage   `json:"resource"`
}

type LatencySummary struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean_ns"`
	P50     time.Duration `json:"p50_ns"`
	P95     time.Duration `json:"p95_ns"`
	P99     time.Duration `json:"p99_ns"`
	Max     time.Duration `json:"max_ns"`
	Last    time.Duration `json:"last_ns"`
}

type RateSummary struct {
	WindowSeconds int     `json:"window_seconds"`
	InWindow      uint64  `json:"in_window"`
	PerSecond     float64 `json:"per_second"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// EndpointHealth is the last observed state of a queue the handler reads
// from or writes to.
type EndpointHealth struct {
	Queue     string    `json:"queue"`
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
}

const (
	EndpointUnknown  = "unknown"
	EndpointHealthy  = "healthy"
	EndpointDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryMalformed ErrorCategory = "malformed"
	ErrorCategoryTransient ErrorCategory = "transient"
	ErrorCategoryTimeout   ErrorCategory = "timeout"
	ErrorCategoryOther     ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for the stats.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(consumeQueue, publishQueue string, resources *resourceTracker, c clock.Clock) *HandlerStats {
	if c == nil {
		c = clock.Real()
	}
	h := &HandlerStats{
		clock:          c,
		resources:      resources,
		latency:        newLatencyRing(latencySamples),
		rate:           newRateBuckets(rateWindow),
		RelayLagMillis: -1,
		Errors:         make(map[ErrorCategory]uint64),
		Subscriber:     EndpointHealth{Queue: consumeQueue, Status: EndpointUnknown},
	}
	if publishQueue != "" {
		h.Publisher = &EndpointHealth{Queue: publishQueue, Status: EndpointUnknown}
	}
	return h
}

// begin marks a delivery in flight and returns its relay lag.
func (h *HandlerStats) begin(msg *message.Message) int64 {
	lag := relayLagMillis(msg, h.clock.Now())

	h.mu.Lock()
	h.InFlight++
	h.PeakInFlight = max(h.PeakInFlight, h.InFlight)
	h.mu.Unlock()

	return lag
}

func (h *HandlerStats) finish(lag int64, took time.Duration, err error, classify ErrorClassifier) {
	if classify == nil {
		classify = defaultErrorClassifier
	}
	category := classify(err)
	now := h.clock.Now().UTC()

	var usage ResourceUsage
	if h.resources != nil {
		usage = h.resources.Snapshot()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}
	if lag >= 0 {
		h.RelayLagMillis = lag
	}

	h.Handled++
	h.BusyNanos += int64(took)
	h.LastHandled = now

	h.latency.observe(took)
	h.Latency = h.latency.summary()
	h.rate.add(now)
	h.Rate = h.rate.summary(now)

	if err != nil {
		h.Failed++
		if category == ErrorCategoryNone {
			category = ErrorCategoryOther
		}
		h.Errors[category]++
		h.LastError = err.Error()
	}

	h.Subscriber.Status = EndpointHealthy
	h.Subscriber.CheckedAt = now
	if h.Publisher != nil {
		h.Publisher.Status, h.Publisher.Detail = EndpointHealthy, ""
		if err != nil && (category == ErrorCategoryTransient || category == ErrorCategoryTimeout) {
			h.Publisher.Status, h.Publisher.Detail = EndpointDegraded, err.Error()
		}
		h.Publisher.CheckedAt = now
	}
	if h.resources != nil {
		h.Resource = usage
	}
}

// relayLagMillis reads the bridge's relayed_at stamp. Deliveries read by the
// bridge itself carry none.
func relayLagMillis(msg *message.Message, now time.Time) int64 {
	if msg == nil {
		return -1
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(metadatapkg.KeyRelayedAt))
	if err != nil {
		return -1
	}
	return max(now.Sub(ts).Milliseconds(), 0)
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type view HandlerStats
	return jsoncodec.Marshal((*view)(h))
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsMalformed(err):
		return ErrorCategoryMalformed
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errspkg.IsTransient(err):
		return ErrorCategoryTransient
	default:
		return ErrorCategoryOther
	}
}
