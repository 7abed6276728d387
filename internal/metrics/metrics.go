// Package metrics exposes Prometheus counters for security decisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	FailOpen       *prometheus.CounterVec
	Detections     *prometheus.CounterVec
	SecurityEvents *prometheus.CounterVec
	LedgerSpooled  prometheus.Counter
	LedgerReplayed prometheus.Counter
	LedgerDead     prometheus.Counter
	BreakerState   *prometheus.GaugeVec
	FlaggedIPs     prometheus.Gauge
}

// New registers every collector on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_decisions_total",
				Help: "Allow/deny decisions by component",
			},
			[]string{"component", "decision"},
		),
		FailOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_fail_open_total",
				Help: "Operations that failed open because a backing store was unavailable",
			},
			[]string{"component", "operation"},
		),
		Detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_detections_total",
				Help: "Suspicious activity detector triggers",
			},
			[]string{"detector"},
		),
		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_security_events_total",
				Help: "Security events emitted",
			},
			[]string{"kind", "severity"},
		),
		LedgerSpooled: factory.NewCounter(prometheus.CounterOpts{
			Name: "bastion_ledger_spooled_total",
			Help: "Attempt records written to the local spool after a ledger failure",
		}),
		LedgerReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bastion_ledger_replayed_total",
			Help: "Spooled attempt records replayed into the ledger",
		}),
		LedgerDead: factory.NewCounter(prometheus.CounterOpts{
			Name: "bastion_ledger_dead_lettered_total",
			Help: "Spooled attempt records set aside because the ledger can never accept them",
		}),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_store_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		FlaggedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_flagged_ips",
			Help: "Flagged source addresses seen by the last index sweep",
		}),
	}
}

// ObserveBreaker is suitable as a gobreaker OnStateChange callback
func (m *Metrics) ObserveBreaker(name string, _ gobreaker.State, to gobreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
