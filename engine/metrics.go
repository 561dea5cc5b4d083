package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockberries/gbft/types"
)

const (
	kindLabel   = "kind"
	resultLabel = "result"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Height           prometheus.Gauge
	Round            prometheus.Gauge
	Phase            prometheus.Gauge
	Halted           prometheus.Gauge
	Commits          prometheus.Counter
	ViewChanges      prometheus.Counter
	Escalations      prometheus.Counter
	RecoveryAttempts prometheus.Counter
	Equivocations    prometheus.Counter
	StaleTimeouts    prometheus.Counter
	DroppedEvents    prometheus.Counter
	Messages         *prometheus.CounterVec
	WALAppendSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registerer.
// A nil registerer leaves them unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "height", Help: "current consensus height",
		}),
		Round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "round", Help: "current consensus round",
		}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "phase", Help: "current round phase",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "halted", Help: "1 if the engine halted",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total", Help: "number of blocks committed",
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "view_changes_total", Help: "number of view-changes",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total", Help: "number of escalations to recovery",
		}),
		RecoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_attempts_total", Help: "number of WAL recovery attempts",
		}),
		Equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "equivocations_total", Help: "number of equivocations detected",
		}),
		StaleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_timeouts_total", Help: "number of timeouts dropped as stale",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_events_total", Help: "number of inbound messages dropped",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total", Help: "inbound messages by kind and result",
		}, []string{kindLabel, resultLabel}),
		WALAppendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wal_append_seconds",
			Help:      "WAL append latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Height, m.Round, m.Phase, m.Halted,
		m.Commits, m.ViewChanges, m.Escalations, m.RecoveryAttempts,
		m.Equivocations, m.StaleTimeouts, m.DroppedEvents,
		m.Messages, m.WALAppendSeconds,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeState(cs ConsensusState) {
	if m == nil {
		return
	}
	m.Height.Set(float64(cs.Height))
	m.Round.Set(float64(cs.Round))
	m.Phase.Set(float64(cs.Phase))
}

func (m *Metrics) message(kind types.MessageKind, res SubmitResult) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(kind.String(), res.String()).Inc()
	if res == EquivocationDetected {
		m.Equivocations.Inc()
	}
}

func (m *Metrics) walAppend(start time.Time) {
	if m == nil {
		return
	}
	m.WALAppendSeconds.Observe(time.Since(start).Seconds())
}

func (m *Metrics) commit() {
	if m != nil {
		m.Commits.Inc()
	}
}

func (m *Metrics) viewChange() {
	if m != nil {
		m.ViewChanges.Inc()
	}
}

func (m *Metrics) escalation() {
	if m != nil {
		m.Escalations.Inc()
	}
}

func (m *Metrics) recoveryAttempt() {
	if m != nil {
		m.RecoveryAttempts.Inc()
	}
}

func (m *Metrics) staleTimeout() {
	if m != nil {
		m.StaleTimeouts.Inc()
	}
}

func (m *Metrics) droppedEvent() {
	if m != nil {
		m.DroppedEvents.Inc()
	}
}

func (m *Metrics) halted() {
	if m != nil {
		m.Halted.Set(1)
	}
}
