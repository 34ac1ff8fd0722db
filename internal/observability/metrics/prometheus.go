package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes application metrics and can be injected into the state
// machine core. It implements internal/statemachine.Metrics through method
// set compatibility, without importing that package.
type Prometheus struct {
	applyDuration    *prometheus.HistogramVec
	appliedTotal     *prometheus.CounterVec
	lastAppliedIndex *prometheus.GaugeVec
	snapshotDuration *prometheus.HistogramVec
	snapshotTotal    *prometheus.CounterVec
	isLeader         *prometheus.GaugeVec
}

// NewPrometheus builds and registers the collector set. A nil registerer
// falls back to the default one.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metastate",
				Subsystem: "statemachine",
				Name:      "apply_duration_seconds",
				Help:      "Time spent applying one committed transaction, decode through dispatch.",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
			},
			[]string{"node_id", "result"},
		),
		appliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metastate",
				Subsystem: "statemachine",
				Name:      "applied_total",
				Help:      "Committed entries applied by result (ok, decode_error, handler_error, etc.).",
			},
			[]string{"node_id", "result"},
		),
		lastAppliedIndex: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "metastate",
				Subsystem: "statemachine",
				Name:      "last_applied_index",
				Help:      "Log index of the last applied transaction on this replica.",
			},
			[]string{"node_id"},
		),
		snapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metastate",
				Subsystem: "statemachine",
				Name:      "snapshot_duration_seconds",
				Help:      "Duration of snapshot creation, flush through descriptor persistence.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"node_id"},
		),
		snapshotTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metastate",
				Subsystem: "statemachine",
				Name:      "snapshot_total",
				Help:      "Snapshot attempts by result.",
			},
			[]string{"node_id", "result"},
		),
		isLeader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "metastate",
				Subsystem: "statemachine",
				Name:      "is_leader",
				Help:      "1 if the replica currently believes it is leader, otherwise 0.",
			},
			[]string{"node_id"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.applyDuration); err != nil {
		return fmt.Errorf("register apply duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.appliedTotal); err != nil {
		return fmt.Errorf("register applied counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.lastAppliedIndex); err != nil {
		return fmt.Errorf("register last applied index gauge: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.snapshotDuration); err != nil {
		return fmt.Errorf("register snapshot duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.snapshotTotal); err != nil {
		return fmt.Errorf("register snapshot counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.isLeader); err != nil {
		return fmt.Errorf("register is_leader gauge: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) ObserveApplyDuration(nodeID, result string, d time.Duration) {
	m.applyDuration.WithLabelValues(nodeID, result).Observe(d.Seconds())
}

func (m *Prometheus) IncApplied(nodeID, result string) {
	m.appliedTotal.WithLabelValues(nodeID, result).Inc()
}

func (m *Prometheus) SetLastAppliedIndex(nodeID string, index int64) {
	m.lastAppliedIndex.WithLabelValues(nodeID).Set(float64(index))
}

func (m *Prometheus) ObserveSnapshotDuration(nodeID string, d time.Duration) {
	m.snapshotDuration.WithLabelValues(nodeID).Observe(d.Seconds())
}

func (m *Prometheus) IncSnapshot(nodeID, result string) {
	m.snapshotTotal.WithLabelValues(nodeID, result).Inc()
}

func (m *Prometheus) SetIsLeader(nodeID string, isLeader bool) {
	if isLeader {
		m.isLeader.WithLabelValues(nodeID).Set(1)
		return
	}
	m.isLeader.WithLabelValues(nodeID).Set(0)
}
