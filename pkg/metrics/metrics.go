// Package metrics exposes the guardian's state as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/guardian"
	"github.com/core-tools/hsu-oomguard/pkg/sampler"
	"github.com/core-tools/hsu-oomguard/pkg/terminate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oomguard"

// Recorder owns a private registry and implements guardian.Observer
type Recorder struct {
	registry *prometheus.Registry

	Mode               *prometheus.GaugeVec
	SamplesTotal       *prometheus.CounterVec
	AvailableMemoryPct prometheus.Gauge
	AvailableSwapPct   prometheus.Gauge
	PSISomeAvg10       prometheus.Gauge
	AttemptsTotal      *prometheus.CounterVec
	AttemptDuration    prometheus.Histogram
	EpisodesTotal      *prometheus.CounterVec
	EpisodeDuration    prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec
	NotificationsDrop  *prometheus.CounterVec
}

var _ guardian.Observer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,

		Mode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mode",
				Help:      "Current pressure loop mode (1 for the active mode)",
			},
			[]string{"mode"},
		),
		SamplesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_total",
				Help:      "Total number of memory samples by result",
			},
			[]string{"result"}, // "ok", "pressure", "error"
		),
		AvailableMemoryPct: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "available_memory_percent",
				Help:      "Available memory as a percentage of total at the last sample",
			},
		),
		AvailableSwapPct: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "available_swap_percent",
				Help:      "Free swap as a percentage of total at the last sample",
			},
		),
		PSISomeAvg10: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_pressure_some_avg10",
				Help:      "Memory PSI some avg10 at the last sample",
			},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kill_attempts_total",
				Help:      "Total number of kill attempts by outcome and failure reason",
			},
			[]string{"outcome", "reason"},
		),
		AttemptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kill_attempt_duration_seconds",
				Help:      "Duration of kill attempts in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 20},
			},
		),
		EpisodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relief_episodes_total",
				Help:      "Total number of relieving episodes by result",
			},
			[]string{"result"},
		),
		EpisodeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relief_episode_duration_seconds",
				Help:      "Duration of relieving episodes in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of delivered or failed notifications by channel",
			},
			[]string{"channel", "status"},
		),
		NotificationsDrop: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Total number of notifications dropped because the queue was full",
			},
			[]string{"channel"},
		),
	}
}

// Registry returns the registry the handler serves
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ModeChanged(mode guardian.Mode) {
	for _, m := range []guardian.Mode{guardian.ModeIdle, guardian.ModeRelieving} {
		value := 0.0
		if m == mode {
			value = 1
		}
		r.Mode.WithLabelValues(string(m)).Set(value)
	}
}

func (r *Recorder) Sampled(state sampler.MemoryState, pressure bool) {
	switch {
	case state.Failed():
		r.SamplesTotal.WithLabelValues("error").Inc()
		return
	case pressure:
		r.SamplesTotal.WithLabelValues("pressure").Inc()
	default:
		r.SamplesTotal.WithLabelValues("ok").Inc()
	}

	r.AvailableMemoryPct.Set(state.AvailableMemoryPct)
	r.AvailableSwapPct.Set(state.AvailableSwapPct)
	if state.PSISomeAvg10 != nil {
		r.PSISomeAvg10.Set(*state.PSISomeAvg10)
	}
}

func (r *Recorder) AttemptFinished(attempt terminate.KillAttempt) {
	r.AttemptsTotal.WithLabelValues(string(attempt.Outcome), string(attempt.Reason)).Inc()
	r.AttemptDuration.Observe(attempt.Duration.Seconds())
}

func (r *Recorder) EpisodeFinished(result guardian.EpisodeResult, attempts int, duration time.Duration) {
	r.EpisodesTotal.WithLabelValues(string(result)).Inc()
	r.EpisodeDuration.Observe(duration.Seconds())
}

// NotificationResult matches notify.DispatcherOptions.OnResult
func (r *Recorder) NotificationResult(channel string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	r.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// NotificationDropped matches notify.DispatcherOptions.OnDrop
func (r *Recorder) NotificationDropped(channel string) {
	r.NotificationsDrop.WithLabelValues(channel).Inc()
}
