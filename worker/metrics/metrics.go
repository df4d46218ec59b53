// Package metrics exposes Prometheus instrumentation for the provisioning worker.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wfahnestock/caass-server/worker/consumer"
)

const metricsNamespace = "caass_worker"

// Collector is a prometheus.Collector for consumer and pool metrics. It
// implements consumer.Observer.
type Collector struct {
	messages         *prometheus.CounterVec
	inflight         prometheus.Gauge
	provisionSeconds prometheus.Histogram
	poolIdle         prometheus.GaugeFunc
}

var _ consumer.Observer = (*Collector)(nil)

// NewCollector returns a Collector. poolIdle reports the idle runtime client
// count and may be nil.
func NewCollector(poolIdle func() int) *Collector {
	if poolIdle == nil {
		poolIdle = func() int { return 0 }
	}
	return &Collector{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_total",
				Help:      "Tenant created deliveries handled, by outcome.",
			}, []string{"outcome"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "inflight",
				Help:      "Deliveries currently being processed.",
			},
		),
		provisionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provision_duration_seconds",
				Help:      "Time from receiving a delivery to settling it.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),
		poolIdle: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "runtime_pool_idle",
				Help:      "Idle container runtime clients in the pool.",
			}, func() float64 { return float64(poolIdle()) },
		),
	}
}

// Started is part of the consumer.Observer interface.
func (c *Collector) Started() {
	c.inflight.Inc()
}

// Finished is part of the consumer.Observer interface.
func (c *Collector) Finished(outcome consumer.Outcome, elapsed time.Duration) {
	c.inflight.Dec()
	c.messages.WithLabelValues(outcome.String()).Inc()
	c.provisionSeconds.Observe(elapsed.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.messages.Describe(ch)
	c.inflight.Describe(ch)
	c.provisionSeconds.Describe(ch)
	c.poolIdle.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.messages.Collect(ch)
	c.inflight.Collect(ch)
	c.provisionSeconds.Collect(ch)
	c.poolIdle.Collect(ch)
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Serve exposes reg on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
