package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dsforge/internal/logging"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Executions     *prometheus.CounterVec
	Inflight       prometheus.Gauge
	Images         *prometheus.CounterVec
	ImageFailures  prometheus.Counter
	PlanBuild      prometheus.Histogram
	EventsDropped  *prometheus.CounterVec
	IntakeMessages *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsforge_executions_total",
			Help: "Finished pipeline executions by terminal status.",
		}, []string{"status"}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dsforge_executions_inflight",
			Help: "Pipeline executions currently running.",
		}),
		Images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsforge_images_materialized_total",
			Help: "Images written to output datasets, by kind (copy or transform).",
		}, []string{"kind"}),
		ImageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsforge_image_failures_total",
			Help: "Images that failed to copy or transform.",
		}),
		PlanBuild: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsforge_plan_build_seconds",
			Help:    "Time spent loading sources and building dataset plans.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsforge_events_dropped_total",
			Help: "Execution events a sink failed to publish.",
		}, []string{"sink"}),
		IntakeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsforge_intake_messages_total",
			Help: "Pipeline submissions consumed from the intake topic, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Executions, m.Inflight, m.Images, m.ImageFailures, m.PlanBuild, m.EventsDropped, m.IntakeMessages)
	}
	return m
}

var (
	defOnce sync.Once
	def     *Metrics
)

// Default returns the collectors registered with the default registry.
func Default() *Metrics {
	defOnce.Do(func() { def = NewMetrics(prometheus.DefaultRegisterer) })
	return def
}

// ObservePlanBuild records the duration since start.
func (m *Metrics) ObservePlanBuild(start time.Time) {
	m.PlanBuild.Observe(time.Since(start).Seconds())
}

// Expose serves /metrics on port in the background.
func Expose(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server stopped", "err", err)
		}
	}()
	return srv
}
