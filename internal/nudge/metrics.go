package nudge

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	triggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "triggers_total",
		Help:      "Total trigger evaluations by trigger event.",
	}, []string{"trigger"})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Total intervention decisions by blocking gate.",
	}, []string{"gate"}) // "" when the decision intervened, mapped to "none"

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "state_transitions_total",
		Help:      "Total lifecycle state changes by source and target state.",
	}, []string{"from", "to"})

	interventionsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "interventions_delivered_total",
		Help:      "Total interventions delivered by behavior and intervention type.",
	}, []string{"behavior", "type"})

	responsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "responses_total",
		Help:      "Total user responses to interventions.",
	}, []string{"response"})

	failureActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "failure_actions_total",
		Help:      "Total corrective actions taken by the failure handler.",
	}, []string{"mode", "action"})

	winsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "wins_total",
		Help:      "Total behavioral wins by win type.",
	}, []string{"type"})

	relapsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "relapses_total",
		Help:      "Total relapses by severity.",
	}, []string{"severity"})

	upgradePrompts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "upgrade_prompts_total",
		Help:      "Total upgrade prompt decisions by friction type or blocking gate.",
	}, []string{"outcome"})

	versionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "version_conflicts_total",
		Help:      "Total profile writes rejected by the optimistic version check.",
	})

	evaluationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nudge",
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Trigger evaluation latency including store round trips.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nudge",
		Subsystem: "timer",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one scheduled-tick sweep over all profiles.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
	})
)

func init() {
	prometheus.MustRegister(
		triggersTotal,
		decisionsTotal,
		transitionsTotal,
		interventionsDelivered,
		responsesTotal,
		failureActions,
		winsTotal,
		relapsesTotal,
		upgradePrompts,
		versionConflicts,
		evaluationLatency,
		sweepDuration,
	)
}

func gateLabel(g string) string {
	if g == "" {
		return "none"
	}
	return g
}
