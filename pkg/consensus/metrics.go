package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters to Prometheus. All methods are safe on a
// nil receiver so instrumentation never gates protocol logic.
type Metrics struct {
	decisions        *prometheus.CounterVec
	droppedMessages  *prometheus.CounterVec
	committedBatches prometheus.Counter
	appliedCommands  prometheus.Counter
	syncsStarted     prometheus.Counter
	syncsResolved    prometheus.Counter

	currentPhase       prometheus.Gauge
	lastCommittedPhase prometheus.Gauge
	pendingBatches     prometheus.Gauge
	activeNodes        prometheus.Gauge
}

// NewMetrics registers the engine's metric set on reg. A nil registerer
// leaves the metrics unregistered but still usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rabia",
			Name:      "decisions_total",
			Help:      "Phase decisions reached, labelled by outcome value.",
		}, []string{"value"}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rabia",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before dispatch, labelled by reason.",
		}, []string{"reason"}),
		committedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabia",
			Name:      "committed_batches_total",
			Help:      "Batches applied to the state machine.",
		}),
		appliedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabia",
			Name:      "applied_commands_total",
			Help:      "Commands applied to the state machine.",
		}),
		syncsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabia",
			Name:      "syncs_started_total",
			Help:      "Sync rounds initiated by this replica.",
		}),
		syncsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabia",
			Name:      "syncs_resolved_total",
			Help:      "Sync rounds resolved with a quorum of responses.",
		}),
		currentPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rabia",
			Name:      "current_phase",
			Help:      "Highest phase this replica has entered.",
		}),
		lastCommittedPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rabia",
			Name:      "last_committed_phase",
			Help:      "Highest phase this replica has committed.",
		}),
		pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rabia",
			Name:      "pending_batches",
			Help:      "Batches queued awaiting consensus.",
		}),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rabia",
			Name:      "active_nodes",
			Help:      "Nodes currently considered reachable.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.decisions, m.droppedMessages, m.committedBatches, m.appliedCommands,
			m.syncsStarted, m.syncsResolved,
			m.currentPhase, m.lastCommittedPhase, m.pendingBatches, m.activeNodes,
		)
	}
	return m
}

// DecisionReached counts one decision by outcome.
func (m *Metrics) DecisionReached(value StateValue) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(value.String()).Inc()
}

// MessageDropped counts one dropped inbound message.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedMessages.WithLabelValues(reason).Inc()
}

// BatchCommitted counts one applied batch and its commands.
func (m *Metrics) BatchCommitted(commands int) {
	if m == nil {
		return
	}
	m.committedBatches.Inc()
	m.appliedCommands.Add(float64(commands))
}

// SyncStarted counts one initiated sync round.
func (m *Metrics) SyncStarted() {
	if m == nil {
		return
	}
	m.syncsStarted.Inc()
}

// SyncResolved counts one resolved sync round.
func (m *Metrics) SyncResolved() {
	if m == nil {
		return
	}
	m.syncsResolved.Inc()
}

// ObserveState refreshes the gauges from the engine state.
func (m *Metrics) ObserveState(s *EngineState) {
	if m == nil {
		return
	}
	m.currentPhase.Set(float64(s.CurrentPhase()))
	m.lastCommittedPhase.Set(float64(s.LastCommittedPhase()))
	m.pendingBatches.Set(float64(s.PendingBatchCount()))
	m.activeNodes.Set(float64(s.ActiveNodeCount()))
}
