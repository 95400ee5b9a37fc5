// Package metrics exposes kill switch state and activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

var allStates = []state.State{state.Active, state.Killed, state.Recovering, state.Disabled}

// Recorder holds the kill switch collectors.
type Recorder struct {
	state        *prometheus.GaugeVec
	factor       prometheus.Gauge
	healthPassed *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	denied       *prometheus.CounterVec
	auditErrors  prometheus.Counter
	dropped      prometheus.Counter
	published    *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "killswitch_state",
			Help: "Current kill switch state (1 for the active label)",
		}, []string{"state"}),
		factor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "killswitch_position_limit_factor",
			Help: "Fraction of normal position limits currently allowed",
		}),
		healthPassed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "killswitch_health_check_passed",
			Help: "Outcome of the most recent health probe per check (1=passed)",
		}, []string{"check"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "killswitch_transitions_total",
			Help: "Committed state transitions",
		}, []string{"from", "to", "triggered_by"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "killswitch_recovery_denied_total",
			Help: "Denied recovery requests grouped by reason",
		}, []string{"reason"}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "killswitch_audit_append_errors_total",
			Help: "Transitions rejected because the audit append failed",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "killswitch_events_dropped_total",
			Help: "Transition events dropped because the dispatch queue was full",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "killswitch_events_published_total",
			Help: "Transition event deliveries grouped by sink and status",
		}, []string{"sink", "status"}),
	}

	reg.MustRegister(
		r.state,
		r.factor,
		r.healthPassed,
		r.transitions,
		r.denied,
		r.auditErrors,
		r.dropped,
		r.published,
	)
	return r
}

// Handler returns the HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SetState marks st as the only current state.
func (r *Recorder) SetState(st state.State) {
	for _, s := range allStates {
		v := 0.0
		if s == st {
			v = 1
		}
		r.state.WithLabelValues(string(s)).Set(v)
	}
}

func (r *Recorder) SetPositionLimitFactor(f float64) { r.factor.Set(f) }

// ObserveTransition counts rec and updates the state gauge.
func (r *Recorder) ObserveTransition(rec state.TransitionRecord) {
	r.transitions.WithLabelValues(string(rec.PreviousState), string(rec.NewState), string(rec.TriggeredBy)).Inc()
	r.SetState(rec.NewState)
}

func (r *Recorder) ObserveRecoveryDenied(reason string) { r.denied.WithLabelValues(reason).Inc() }

func (r *Recorder) ObserveAuditError() { r.auditErrors.Inc() }

// ObserveHealth records the outcome of each check in res.
func (r *Recorder) ObserveHealth(res health.Result) {
	for name, c := range res.Checks {
		v := 0.0
		if c.Passed {
			v = 1
		}
		r.healthPassed.WithLabelValues(name).Set(v)
	}
}

func (r *Recorder) ObserveEventDropped() { r.dropped.Inc() }

func (r *Recorder) ObservePublish(sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.published.WithLabelValues(sink, status).Inc()
}
