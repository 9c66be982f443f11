// Package metrics exposes Prometheus counters for the provisioning pipeline
// and a standalone metrics HTTP server.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters the provisioning engine reports.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RendersTotal       prometheus.Counter
	RenderFailures     prometheus.Counter
	CacheHits          prometheus.Counter
	CacheInvalidations prometheus.Counter
	DevicesAutocreated prometheus.Counter
}

func newMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Provisioning requests by transport and outcome.",
		}, []string{"transport", "status"}),
		RendersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Renderer executions, coalesced requests counted once.",
		}),
		RenderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Renderer executions that returned an error.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_hits_total",
			Help:      "Provisioning requests served from the render cache.",
		}),
		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_invalidations_total",
			Help:      "Cached artifacts dropped by document, device, or plugin changes.",
		}),
		DevicesAutocreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_autocreated_total",
			Help:      "Device records synthesized on first contact.",
		}),
	}
	registry.MustRegister(
		m.RequestsTotal,
		m.RendersTotal,
		m.RenderFailures,
		m.CacheHits,
		m.CacheInvalidations,
		m.DevicesAutocreated,
	)
	return m
}

// MetricsServer serves the Prometheus registry over HTTP on a dedicated
// listen address.
type MetricsServer struct {
	srv     *http.Server
	Metrics *Metrics
}

// New creates a metrics server for the given namespace and listen address.
// The address may be empty; the caller then skips ListenAndServe but can
// still use the counters.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newMetrics(namespace, registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
		Metrics: m,
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
