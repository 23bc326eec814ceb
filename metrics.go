package privatechat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	StateChanges      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	FramesDropped     prometheus.Counter
	ItemsMerged       prometheus.Counter
	ItemsDuplicate    prometheus.Counter
	ReplicatorResults *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "privatechat",
			Subsystem: "sync",
			Name:      "state_changes_total",
			Help:      "Connection state transitions, by new state.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privatechat",
			Subsystem: "sync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnects scheduled after an unintentional close.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privatechat",
			Subsystem: "sync",
			Name:      "frames_dropped_total",
			Help:      "Frames that could not be parsed or normalized.",
		}),
		ItemsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privatechat",
			Subsystem: "graph",
			Name:      "items_merged_total",
			Help:      "Live items merged into a conversation graph.",
		}),
		ItemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privatechat",
			Subsystem: "graph",
			Name:      "items_duplicate_total",
			Help:      "Live items skipped because they were already present.",
		}),
		ReplicatorResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "privatechat",
			Subsystem: "replicator",
			Name:      "conversations_total",
			Help:      "Conversations processed by the background replicator, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.StateChanges, m.ReconnectAttempts, m.FramesDropped,
			m.ItemsMerged, m.ItemsDuplicate, m.ReplicatorResults)
	}
	return m
}

func (m *Metrics) stateChanged(s ConnectionState) {
	if m != nil {
		m.StateChanges.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Metrics) merged(added, duplicate int) {
	if m != nil {
		m.ItemsMerged.Add(float64(added))
		m.ItemsDuplicate.Add(float64(duplicate))
	}
}

func (m *Metrics) replicated(result string) {
	if m != nil {
		m.ReplicatorResults.WithLabelValues(result).Inc()
	}
}
