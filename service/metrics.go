package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the controller's instrumentation on a private registry
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	FramesTotal         prometheus.Counter
	DecodeErrorsTotal   prometheus.Counter
	EvictionsTotal      prometheus.Counter
	RestartsTotal       prometheus.Counter
	LaunchFailuresTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetmirror",
			Name:      "active_sessions",
			Help:      "Number of pooled device sessions",
		}),
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetmirror",
			Name:      "frames_total",
			Help:      "Total decoded frames across all sessions",
		}),
		DecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetmirror",
			Name:      "decode_errors_total",
			Help:      "Total non-fatal decode errors",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetmirror",
			Name:      "evictions_total",
			Help:      "Total evicted sessions",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetmirror",
			Name:      "restarts_total",
			Help:      "Total session restart attempts",
		}),
		LaunchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetmirror",
			Name:      "launch_failures_total",
			Help:      "Total launch sequence failures by step",
		}, []string{"step"}),
	}
	r.MustRegister(m.ActiveSessions, m.FramesTotal, m.DecodeErrorsTotal,
		m.EvictionsTotal, m.RestartsTotal, m.LaunchFailuresTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
