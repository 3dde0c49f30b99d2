// Package metrics owns the Prometheus registry shared by the bridge, the
// fan-out pipelines and the Watermill router. It is created once per process
// and passed to every component explicitly.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "vehiclerelay"

// Registry groups the relay's collectors on a private prometheus.Registry.
type Registry struct {
	namespace string
	reg       *prometheus.Registry

	Bridge *BridgeMetrics
	DLQ    *DLQMetrics

	pipelineVecs *pipelineVecs
	mu           sync.Mutex
	pipelines    map[string]*PipelineMetrics
}

// New builds a registry with Go runtime and process collectors installed.
func New(namespace string) *Registry {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		namespace:    namespace,
		reg:          reg,
		Bridge:       newBridgeMetrics(namespace),
		DLQ:          NewDLQMetrics(namespace, reg),
		pipelineVecs: newPipelineVecs(namespace),
		pipelines:    make(map[string]*PipelineMetrics),
	}
	reg.MustRegister(r.Bridge.collectors()...)
	reg.MustRegister(r.pipelineVecs.collectors()...)
	if err := r.DLQ.Register(); err != nil {
		panic(err)
	}
	return r
}

// Namespace returns the metric name prefix.
func (r *Registry) Namespace() string { return r.namespace }

// Registerer exposes the registry for collectors built elsewhere, such as
// the Watermill router metrics.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the Prometheus text exposition of this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Pipeline returns the counters of one fan-out pipeline, creating them on
// first use.
func (r *Registry) Pipeline(name string) *PipelineMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.pipelines[name]; ok {
		return m
	}
	m := r.pipelineVecs.forPipeline(name)
	r.pipelines[name] = m
	return m
}
