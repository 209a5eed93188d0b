package stepup

import "sync/atomic"

// MetricID defines a public type used by stepup APIs.
//
// MetricID instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricID uint16

const (
	// MetricChallengeCreated is an exported constant or variable used by the step-up engine.
	MetricChallengeCreated MetricID = iota
	// MetricChallengeCompleted is an exported constant or variable used by the step-up engine.
	MetricChallengeCompleted
	// MetricChallengeExpired is an exported constant or variable used by the step-up engine.
	MetricChallengeExpired
	// MetricChallengeExhausted is an exported constant or variable used by the step-up engine.
	MetricChallengeExhausted
	// MetricChallengeCanceled is an exported constant or variable used by the step-up engine.
	MetricChallengeCanceled
	// MetricResponseSuccess is an exported constant or variable used by the step-up engine.
	MetricResponseSuccess
	// MetricResponseFailure is an exported constant or variable used by the step-up engine.
	MetricResponseFailure
	// MetricResponseRejected is an exported constant or variable used by the step-up engine.
	MetricResponseRejected
	// MetricTOTPSuccess is an exported constant or variable used by the step-up engine.
	MetricTOTPSuccess
	// MetricTOTPFailure is an exported constant or variable used by the step-up engine.
	MetricTOTPFailure
	// MetricTOTPReplayRejected is an exported constant or variable used by the step-up engine.
	MetricTOTPReplayRejected
	// MetricRecoveryCodeUsed is an exported constant or variable used by the step-up engine.
	MetricRecoveryCodeUsed
	// MetricRecoveryCodeFailed is an exported constant or variable used by the step-up engine.
	MetricRecoveryCodeFailed
	// MetricSMSCodeSent is an exported constant or variable used by the step-up engine.
	MetricSMSCodeSent
	// MetricSMSSendFailed is an exported constant or variable used by the step-up engine.
	MetricSMSSendFailed
	// MetricSMSRateLimited is an exported constant or variable used by the step-up engine.
	MetricSMSRateLimited
	// MetricAssertionIssued is an exported constant or variable used by the step-up engine.
	MetricAssertionIssued
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics defines a public type used by stepup APIs.
//
// Metrics instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot defines a public type used by stepup APIs.
//
// MetricsSnapshot instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics describes the newmetrics operation and its observable behavior.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
	}
}

// Enabled reports whether the collector records anything.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc describes the inc operation and its observable behavior.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value describes the value operation and its observable behavior.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot describes the snapshot operation and its observable behavior.
func (m *Metrics) Snapshot() MetricsSnapshot {
	out := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, metricIDCount),
	}
	if m == nil {
		return out
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		out.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return out
}
