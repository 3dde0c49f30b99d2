package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// resourceTracker samples process CPU, heap and goroutines for the handler
// stats and the status endpoint.
type resourceTracker struct {
	clock clock.Clock

	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker(c clock.Clock) *resourceTracker {
	if c == nil {
		c = clock.Real()
	}
	return &resourceTracker{
		clock:   c,
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

// Snapshot reports usage since the previous call. The first call has no CPU
// baseline and reports zero.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = sample.Value.Float64()
	}
	now := r.clock.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = ((cpuSeconds - r.lastCPUSeconds) / deltaWall) / r.numCPU * 100
		}
	}
	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
