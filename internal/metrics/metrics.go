// Package metrics exposes Prometheus collectors for the write queue and the
// search pipeline. Every method is safe to call on a nil *Collectors, so
// components can take an optional collector without checking for it.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailsync"

// Flush outcomes recorded by FlushCompleted.
const (
	OutcomeOK     = "ok"
	OutcomeLocked = "locked"
	OutcomeError  = "error"
)

// Collectors holds every metric of the process on a private registry.
type Collectors struct {
	registry *prometheus.Registry

	queueDepth     prometheus.Gauge
	flushes        *prometheus.CounterVec
	mutations      *prometheus.CounterVec
	activeSearches prometheus.Gauge
	searchResults  prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime collectors, on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "writequeue",
			Name:      "depth",
			Help:      "Mutations waiting to be flushed.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writequeue",
			Name:      "flushes_total",
			Help:      "Flush attempts by outcome.",
		}, []string{"outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writequeue",
			Name:      "mutations_applied_total",
			Help:      "Mutations committed to the index by kind.",
		}, []string{"kind"}),
		activeSearches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "active",
			Help:      "Search workers currently running.",
		}),
		searchResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "results_total",
			Help:      "Results streamed by search workers.",
		}),
	}

	c.registry.MustRegister(
		c.queueDepth, c.flushes, c.mutations, c.activeSearches,
		c.searchResults,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)

	return c
}

// Registry returns the registry holding the collectors.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}

	return c.registry
}

// SetQueueDepth records the current write queue length.
func (c *Collectors) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// FlushCompleted counts one flush attempt with the given outcome.
func (c *Collectors) FlushCompleted(outcome string) {
	if c == nil {
		return
	}
	c.flushes.WithLabelValues(outcome).Inc()
}

// MutationApplied counts one committed mutation.
func (c *Collectors) MutationApplied(kind string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(kind).Inc()
}

// SearchStarted marks a search worker as running.
func (c *Collectors) SearchStarted() {
	if c == nil {
		return
	}
	c.activeSearches.Inc()
}

// SearchStopped marks a search worker as exited.
func (c *Collectors) SearchStopped() {
	if c == nil {
		return
	}
	c.activeSearches.Dec()
}

// ResultStreamed counts one result handed to a search consumer.
func (c *Collectors) ResultStreamed() {
	if c == nil {
		return
	}
	c.searchResults.Inc()
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics listener on addr until ctx is canceled.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		return srv.Shutdown(shutdownCtx)

	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}
