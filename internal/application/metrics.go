package application

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// Metrics holds the Prometheus collectors updated by the services. All
// methods are safe on a nil receiver so tests can pass nil.
type Metrics struct {
	syncs          *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	challengeWaits prometheus.Counter
	sessionsOpened prometheus.Counter
	sessionsSwept  prometheus.Counter
	ratesFetched   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wealthpanel_syncs_total",
				Help: "Account syncs by broker and outcome",
			},
			[]string{"broker", "outcome"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wealthpanel_auth_failures_total",
				Help: "Failed authentications by error kind",
			},
			[]string{"kind"},
		),
		challengeWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wealthpanel_challenge_timeouts_total",
				Help: "Decoupled approvals not received within the poll budget",
			},
		),
		sessionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wealthpanel_sessions_opened_total",
				Help: "Authentication sessions parked for a challenge answer",
			},
		),
		sessionsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wealthpanel_sessions_expired_total",
				Help: "Authentication sessions removed by the expiry sweep",
			},
		),
		ratesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wealthpanel_rate_fetches_total",
				Help: "Exchange rate fetches by outcome",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.syncs, m.authFailures, m.challengeWaits, m.sessionsOpened, m.sessionsSwept, m.ratesFetched)
	return m
}

func (m *Metrics) synced(broker, outcome string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(broker, outcome).Inc()
}

func (m *Metrics) authFailed(kind model.ErrorKind) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) challengeTimedOut() {
	if m == nil {
		return
	}
	m.challengeWaits.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) sessionsExpired(n int) {
	if m == nil {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

func (m *Metrics) rateFetch(outcome string) {
	if m == nil {
		return
	}
	m.ratesFetched.WithLabelValues(outcome).Inc()
}
