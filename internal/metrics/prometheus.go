package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	pipeline "github.com/zylin-ai/call-core/core"
)

// Metrics contains all Prometheus metrics for the call service. It implements
// the pipeline's Observer so the session machinery stays free of any direct
// metrics dependency.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Frame metrics
	FramesDropped *prometheus.CounterVec

	// Utterance metrics
	UtterancesFinalized prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Turn metrics
	TurnStageLatency     *prometheus.HistogramVec
	BargeIns             prometheus.Counter
	CollaboratorFailures *prometheus.CounterVec
	CollaboratorTimeouts *prometheus.CounterVec
	ActionDispatches     *prometheus.CounterVec
	ActionDispatchErrors *prometheus.CounterVec
}

// New creates and registers all service metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_active_sessions",
			Help: "Current number of live call sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_sessions_started_total",
			Help: "Total number of sessions accepted",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_sessions_rejected_total",
			Help: "Total number of sessions rejected at capacity",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcore_session_duration_seconds",
			Help:    "Duration of finished sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~42 minutes
		}),

		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_frames_dropped_total",
			Help: "Total number of inbound frames dropped, by reason",
		}, []string{"reason"}),

		UtterancesFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_utterances_finalized_total",
			Help: "Total number of finalized caller utterances",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcore_utterance_duration_seconds",
			Help:    "Duration of finalized utterances in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),

		TurnStageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callcore_turn_latency_seconds",
			Help:    "Per-stage turn processing latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_barge_ins_total",
			Help: "Total number of caller barge-ins during a reply",
		}),
		CollaboratorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_collaborator_failures_total",
			Help: "Total number of collaborator failures, by collaborator",
		}, []string{"collaborator"}),
		CollaboratorTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_collaborator_timeouts_total",
			Help: "Total number of collaborator timeouts, by collaborator",
		}, []string{"collaborator"}),
		ActionDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_action_dispatches_total",
			Help: "Total number of business actions dispatched, by kind",
		}, []string{"kind"}),
		ActionDispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_action_dispatch_errors_total",
			Help: "Total number of failed business-action dispatches, by kind",
		}, []string{"kind"}),
	}
}

var _ pipeline.Observer = (*Metrics)(nil)

func (m *Metrics) SessionStarted(string) {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded(_ string, duration time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) SessionRejected() {
	m.SessionsRejected.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) UtteranceFinalized(duration time.Duration) {
	m.UtterancesFinalized.Inc()
	m.UtteranceDuration.Observe(duration.Seconds())
}

func (m *Metrics) TurnLatency(stage string, duration time.Duration) {
	m.TurnStageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

func (m *Metrics) BargeIn() {
	m.BargeIns.Inc()
}

func (m *Metrics) CollaboratorFailure(collaborator string, timeout bool) {
	m.CollaboratorFailures.WithLabelValues(collaborator).Inc()
	if timeout {
		m.CollaboratorTimeouts.WithLabelValues(collaborator).Inc()
	}
}

func (m *Metrics) ActionDispatched(kind pipeline.ActionKind, ok bool) {
	m.ActionDispatches.WithLabelValues(string(kind)).Inc()
	if !ok {
		m.ActionDispatchErrors.WithLabelValues(string(kind)).Inc()
	}
}
