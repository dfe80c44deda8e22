// Package metrics exposes Prometheus counters for the permit service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	permitsCreated     prometheus.Counter
	transitions        *prometheus.CounterVec
	closeoutsCompleted prometheus.Counter
	ledgerSyncFailures prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		permitsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "permitline_permits_created_total",
			Help: "Number of permits created.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permitline_permit_transitions_total",
			Help: "Number of successful permit status transitions.",
		}, []string{"to"}),
		closeoutsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "permitline_closeouts_completed_total",
			Help: "Number of permits closed through the closeout workflow.",
		}),
		ledgerSyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "permitline_ledger_sync_failures_total",
			Help: "Number of ledger mirror writes that exhausted retries.",
		}),
	}
}

func (r *Registry) IncPermitCreated()       { r.permitsCreated.Inc() }
func (r *Registry) IncTransition(to string) { r.transitions.WithLabelValues(to).Inc() }
func (r *Registry) IncCloseoutCompleted()   { r.closeoutsCompleted.Inc() }
func (r *Registry) IncLedgerSyncFailure()   { r.ledgerSyncFailures.Inc() }

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
