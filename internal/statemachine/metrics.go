package statemachine

import "time"

// Metrics captures the metric sinks used by the core.
type Metrics interface {
	ObserveApplyDuration(nodeID, result string, d time.Duration)
	IncApplied(nodeID, result string)
	SetLastAppliedIndex(nodeID string, index int64)
	ObserveSnapshotDuration(nodeID string, d time.Duration)
	IncSnapshot(nodeID, result string)
	SetIsLeader(nodeID string, isLeader bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveApplyDuration(string, string, time.Duration) {}
func (noopMetrics) IncApplied(string, string)                          {}
func (noopMetrics) SetLastAppliedIndex(string, int64)                  {}
func (noopMetrics) ObserveSnapshotDuration(string, time.Duration)      {}
func (noopMetrics) IncSnapshot(string, string)                         {}
func (noopMetrics) SetIsLeader(string, bool)                           {}
