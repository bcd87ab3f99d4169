package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swap2p/internal/escrow"
)

// Metrics is created before the orchestrator so its hooks can be wired in.
type Metrics struct {
	registry         *prometheus.Registry
	submissionsTotal *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	confirmSeconds   *prometheus.HistogramVec
	indexFetches     *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swap2p_submissions_total",
		Help: "Trade submissions by final result",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swap2p_phase_transitions_total",
		Help: "Orchestrator phase transitions by phase entered",
	}, []string{"phase"})

	confirmations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swap2p_confirmation_wait_seconds",
		Help:    "Time spent waiting for a transaction to be mined",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180, 300},
	}, []string{"tx"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swap2p_trade_index_fetches_total",
		Help: "Trade index requests by result",
	}, []string{"result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swap2p_submit_requests_total",
		Help: "POST /api/v1/trades outcomes",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, transitions, confirmations, fetches, requests)

	return &Metrics{
		registry:         r,
		submissionsTotal: submissions,
		transitionsTotal: transitions,
		confirmSeconds:   confirmations,
		indexFetches:     fetches,
		requestsTotal:    requests,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition is an escrow.TransitionFunc.
func (m *Metrics) ObserveTransition(prev, next escrow.State) {
	m.transitionsTotal.WithLabelValues(next.Phase.String()).Inc()

	if prev.Phase != next.Phase && !prev.UpdatedAt.IsZero() {
		switch prev.Phase {
		case escrow.PhaseAwaitingSpendConfirmation:
			m.confirmSeconds.WithLabelValues("approve").Observe(next.UpdatedAt.Sub(prev.UpdatedAt).Seconds())
		case escrow.PhaseAwaitingEscrowConfirmation:
			m.confirmSeconds.WithLabelValues("create_escrow").Observe(next.UpdatedAt.Sub(prev.UpdatedAt).Seconds())
		}
	}

	switch next.Phase {
	case escrow.PhaseCompleted:
		m.submissionsTotal.WithLabelValues("completed").Inc()
	case escrow.PhaseFailed:
		if next.Err != nil {
			m.submissionsTotal.WithLabelValues(next.Err.Kind.String()).Inc()
		}
	case escrow.PhaseIdle:
		if prev.Phase != escrow.PhaseIdle && !prev.Phase.Terminal() {
			m.submissionsTotal.WithLabelValues("cancelled").Inc()
		}
	}
}

// ObserveFetch counts trade index calls; pass it to tradeindex.WithFetchObserver.
func (m *Metrics) ObserveFetch(err error) {
	if err != nil {
		m.indexFetches.WithLabelValues("error").Inc()
		return
	}
	m.indexFetches.WithLabelValues("ok").Inc()
}

func (m *Metrics) incRequest(status string) {
	m.requestsTotal.WithLabelValues(status).Inc()
}
