package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics are the counters of one fan-out pipeline.
type PipelineMetrics struct {
	Consumed   prometheus.Counter
	Processed  prometheus.Counter
	Duplicates prometheus.Counter
	Failed     prometheus.Counter
	DeadLetter prometheus.Counter
	Latency    prometheus.Observer
}

type pipelineVecs struct {
	consumed   *prometheus.CounterVec
	processed  *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	failed     *prometheus.CounterVec
	deadLetter *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

func newPipelineVecs(ns string) *pipelineVecs {
	vec := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "consumer", Name: name, Help: help,
		}, []string{"pipeline"})
	}
	return &pipelineVecs{
		consumed:   vec("messages_consumed_total", "Deliveries taken from the pipeline queue."),
		processed:  vec("messages_processed_total", "Events recorded by the pipeline."),
		duplicates: vec("messages_duplicate_total", "Events the pipeline had already recorded."),
		failed:     vec("messages_failed_total", "Handler attempts that failed."),
		deadLetter: vec("messages_dead_lettered_total", "Deliveries sent to the dead-letter topic."),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "consumer", Name: "processing_seconds",
			Help:    "Time spent handling one delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
	}
}

func (v *pipelineVecs) collectors() []prometheus.Collector {
	return []prometheus.Collector{v.consumed, v.processed, v.duplicates, v.failed, v.deadLetter, v.latency}
}

func (v *pipelineVecs) forPipeline(name string) *PipelineMetrics {
	return &PipelineMetrics{
		Consumed:   v.consumed.WithLabelValues(name),
		Processed:  v.processed.WithLabelValues(name),
		Duplicates: v.duplicates.WithLabelValues(name),
		Failed:     v.failed.WithLabelValues(name),
		DeadLetter: v.deadLetter.WithLabelValues(name),
		Latency:    v.latency.WithLabelValues(name),
	}
}
