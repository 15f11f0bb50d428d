// Package metrics exports engine session events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gapd-project/gapd/internal/session"
)

// Metrics implements session.Observer.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
	StartupFailures prometheus.Counter
	StartupDuration prometheus.Histogram
	SessionAge      prometheus.Histogram
	Generation      prometheus.Gauge
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ session.Observer = (*Metrics)(nil)

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "gapd_sessions_started_total",
			Help: "Total number of engine sessions started",
		}),
		SessionsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapd_sessions_stopped_total",
			Help: "Total number of engine sessions stopped, by reason",
		}, []string{"reason"}),
		StartupFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gapd_startup_failures_total",
			Help: "Total number of failed engine startups",
		}),
		StartupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapd_startup_duration_seconds",
			Help:    "Time from spawn to an answered readiness check",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		SessionAge: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapd_session_age_seconds",
			Help:    "Lifetime of stopped engine sessions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Name: "gapd_session_generation",
			Help: "Generation number of the current engine session",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapd_commands_total",
			Help: "Total number of executed commands, by outcome",
		}, []string{"outcome"}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gapd_command_duration_seconds",
			Help:    "Command duration in seconds, by outcome",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		registry: reg,
	}
}

func (m *Metrics) SessionStarted(generation uint64, startup time.Duration) {
	m.SessionsStarted.Inc()
	m.StartupDuration.Observe(startup.Seconds())
	m.Generation.Set(float64(generation))
}

func (m *Metrics) SessionStopped(_ uint64, reason string, age time.Duration) {
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.SessionAge.Observe(age.Seconds())
}

func (m *Metrics) StartupFailed(error) {
	m.StartupFailures.Inc()
}

func (m *Metrics) CommandDone(outcome session.Outcome, elapsed time.Duration) {
	m.Commands.WithLabelValues(string(outcome)).Inc()
	m.CommandDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "serving metrics", "addr", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
