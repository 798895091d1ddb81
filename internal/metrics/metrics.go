package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the client's Prometheus collectors. A nil *Registry is a
// valid no-op so components can be built without metrics in tests.
type Registry struct {
	registry           *prometheus.Registry
	refreshesTotal     *prometheus.CounterVec
	transactionsTotal  *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	contractEvents     *prometheus.CounterVec
	snapshotGeneration prometheus.Gauge
}

func New() *Registry {
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solidarity_balance_refreshes_total",
		Help: "Balance refreshes by result",
	}, []string{"result"})

	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solidarity_transactions_total",
		Help: "Submitted transactions by kind and result",
	}, []string{"kind", "result"})

	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solidarity_session_reloads_total",
		Help: "Wallet session (re)initialisations by reason",
	}, []string{"reason"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solidarity_contract_events_total",
		Help: "Contract events observed",
	}, []string{"event"})

	generation := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solidarity_snapshot_generation",
		Help: "Generation of the currently published balance snapshot",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(refreshes, txs, sessions, events, generation)

	return &Registry{
		registry:           r,
		refreshesTotal:     refreshes,
		transactionsTotal:  txs,
		sessionsTotal:      sessions,
		contractEvents:     events,
		snapshotGeneration: generation,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncTransaction(kind, result string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Registry) IncSession(reason string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Registry) IncEvent(name string) {
	if m == nil {
		return
	}
	m.contractEvents.WithLabelValues(name).Inc()
}

func (m *Registry) SetGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.snapshotGeneration.Set(float64(gen))
}
