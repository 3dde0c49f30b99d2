package runtime

import (
	"slices"
	"time"
)

// latencyRing keeps the most recent handler durations.
type latencyRing struct {
	buf  []time.Duration
	seen int
	last time.Duration
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = latencySamples
	}
	return &latencyRing{buf: make([]time.Duration, size)}
}

func (r *latencyRing) observe(d time.Duration) {
	r.buf[r.seen%len(r.buf)] = d
	r.seen++
	r.last = d
}

func (r *latencyRing) summary() LatencySummary {
	n := min(r.seen, len(r.buf))
	if n == 0 {
		return LatencySummary{Last: r.last}
	}
	sorted := slices.Clone(r.buf[:n])
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return LatencySummary{
		Samples: n,
		Mean:    total / time.Duration(n),
		P50:     nearestRank(sorted, 50),
		P95:     nearestRank(sorted, 95),
		P99:     nearestRank(sorted, 99),
		Max:     sorted[n-1],
		Last:    r.last,
	}
}

// nearestRank returns the pth percentile of an ascending, non-empty slice.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	idx := (p*len(sorted)+99)/100 - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

// rateBuckets counts handled messages in one-second buckets over a sliding
// window.
type rateBuckets struct {
	counts []uint64
	second []int64
}

func newRateBuckets(window time.Duration) *rateBuckets {
	n := max(int(window/time.Second), 1)
	return &rateBuckets{counts: make([]uint64, n), second: make([]int64, n)}
}

func (b *rateBuckets) add(now time.Time) {
	sec := now.Unix()
	i := int(sec % int64(len(b.counts)))
	if b.second[i] != sec {
		b.second[i] = sec
		b.counts[i] = 0
	}
	b.counts[i]++
}

func (b *rateBuckets) summary(now time.Time) RateSummary {
	sec := now.Unix()
	oldest := sec - int64(len(b.counts)) + 1

	var total uint64
	for i, s := range b.second {
		if s >= oldest && s <= sec {
			total += b.counts[i]
		}
	}
	return RateSummary{
		WindowSeconds: len(b.counts),
		InWindow:      total,
		PerSecond:     float64(total) / float64(len(b.counts)),
	}
}
