// Package telemetry exposes the agent's own health as Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "gpfs_sge_metrics"

// Cycle results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Metrics holds the agent's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	points         prometheus.Counter
	droppedRecords prometheus.Counter
	sourceFailures *prometheus.CounterVec
	resets         *prometheus.CounterVec
	lastSuccess    prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Collection cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a collection cycle.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_delivered_total",
			Help:      "Points accepted by the sink.",
		}),
		droppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Raw records dropped during normalization.",
		}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Sources that could not be queried, by source.",
		}, []string{"source"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_resets_total",
			Help:      "mmpmon counter resets by result.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle whose points were delivered.",
		}),
	}
	m.registry.MustRegister(m.cycles, m.cycleDuration, m.points, m.droppedRecords,
		m.sourceFailures, m.resets, m.lastSuccess)
	return m
}

// Registry returns the registry holding the agent's metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(result string, elapsed time.Duration, end time.Time) {
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
	if result != ResultFailed {
		m.lastSuccess.Set(float64(end.Unix()))
	}
}

// AddPoints counts delivered points.
func (m *Metrics) AddPoints(n int) { m.points.Add(float64(n)) }

// AddDropped counts records dropped by normalization.
func (m *Metrics) AddDropped(n int) { m.droppedRecords.Add(float64(n)) }

// SourceFailed counts a failed source.
func (m *Metrics) SourceFailed(source string) { m.sourceFailures.WithLabelValues(source).Inc() }

// ObserveReset records a counter reset attempt.
func (m *Metrics) ObserveReset(err error) {
	if err != nil {
		m.resets.WithLabelValues(ResultFailed).Inc()
		return
	}
	m.resets.WithLabelValues(ResultOK).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Telemetry listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
