// Package metrics exposes scheduler statistics as prometheus collectors and
// serves them, with a status document, over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Steal scopes.
const (
	ScopeNode   = "node"
	ScopeRemote = "remote"
)

// Metrics groups the scheduler counters of one node. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Submitted       prometheus.Counter
	Completed       prometheus.Counter
	Failed          prometheus.Counter
	Steals          *prometheus.CounterVec
	Stolen          *prometheus.CounterVec
	Signals         *prometheus.CounterVec
	Relocations     *prometheus.CounterVec
	TransportErrors prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "activities_submitted_total",
			Help:      "Activities admitted by executors of this node.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "activities_completed_total",
			Help:      "Activities that finished on this node.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "activities_failed_total",
			Help:      "Activities that returned an error or were orphaned.",
		}),
		Steals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "steal_attempts_total",
			Help:      "Steal attempts by scope and outcome.",
		}, []string{"scope", "outcome"}),
		Stolen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "stolen_activities_total",
			Help:      "Activities moved by steals, by scope.",
		}, []string{"scope"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "signals_total",
			Help:      "Signals by route.",
		}, []string{"route"}),
		Relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "relocated_activities_total",
			Help:      "Activities relocated across nodes, by direction.",
		}, []string{"direction"}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "transport_errors_total",
			Help:      "Failed transport sends.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Completed, m.Failed, m.Steals, m.Stolen,
			m.Signals, m.Relocations, m.TransportErrors)
	}
	return m
}

// ActivitySubmitted counts one admitted activity.
func (m *Metrics) ActivitySubmitted() {
	if m != nil {
		m.Submitted.Inc()
	}
}

// ActivityCompleted counts one finished activity.
func (m *Metrics) ActivityCompleted() {
	if m != nil {
		m.Completed.Inc()
	}
}

// ActivityFailed counts one failed or orphaned activity.
func (m *Metrics) ActivityFailed() {
	if m != nil {
		m.Failed.Inc()
	}
}

// Steal counts one steal attempt that moved n activities.
func (m *Metrics) Steal(scope string, n int) {
	if m == nil {
		return
	}
	outcome := "hit"
	if n == 0 {
		outcome = "miss"
	}
	m.Steals.WithLabelValues(scope, outcome).Inc()
	if n > 0 {
		m.Stolen.WithLabelValues(scope).Add(float64(n))
	}
}

// Signal counts one signal taking the given route.
func (m *Metrics) Signal(route string) {
	if m != nil {
		m.Signals.WithLabelValues(route).Inc()
	}
}

// Relocation counts n activities relocated in the given direction.
func (m *Metrics) Relocation(direction string, n int) {
	if m != nil && n > 0 {
		m.Relocations.WithLabelValues(direction).Add(float64(n))
	}
}

// TransportError counts one failed send.
func (m *Metrics) TransportError() {
	if m != nil {
		m.TransportErrors.Inc()
	}
}
