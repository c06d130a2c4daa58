package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitsongofficial/faucet/internal/runs"
)

// Metrics is the faucet's Prometheus registry. It doubles as the dispatch
// observer and the session init hook.
type Metrics struct {
	registry         *prometheus.Registry
	dripRequests     *prometheus.CounterVec
	dispatchResults  *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	sessionInits     *prometheus.CounterVec
	inflight         prometheus.Gauge
}

func NewMetrics() *Metrics {
	drips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_drip_requests_total",
		Help: "Faucet requests by HTTP outcome",
	}, []string{"status"})

	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_dispatch_results_total",
		Help: "Finished dispatch runs by terminal state",
	}, []string{"result"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "faucet_dispatch_duration_seconds",
		Help:    "Time from dispatch start to terminal state",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	})

	inits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_session_init_total",
		Help: "Signing session initialization attempts",
	}, []string{"result"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "faucet_dispatch_inflight",
		Help: "Dispatch runs currently executing",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(drips, results, duration, inits, inflight)

	return &Metrics{
		registry:         r,
		dripRequests:     drips,
		dispatchResults:  results,
		dispatchDuration: duration,
		sessionInits:     inits,
		inflight:         inflight,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incDrip(status string) {
	m.dripRequests.WithLabelValues(status).Inc()
}

// SessionInit is passed to session.Manager.WithInitHook.
func (m *Metrics) SessionInit(result string) {
	m.sessionInits.WithLabelValues(result).Inc()
}

func (m *Metrics) DispatchStarted() {
	m.inflight.Inc()
}

func (m *Metrics) DispatchFinished(state runs.State, elapsed time.Duration) {
	m.inflight.Dec()
	m.dispatchResults.WithLabelValues(string(state)).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}
