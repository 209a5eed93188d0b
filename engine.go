package stepup

import (
	"github.com/factorgate/stepup/password"
)

// Engine defines a public type used by stepup APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config Config

	secretStore SecretStore
	smsGateway  SMSGateway

	challenges *challengeStore
	responses  *responseStore
	smsCodes   *smsCodeStore
	smsLimiter *smsSendLimiter

	verifiers [methodCount]factorVerifier

	hasher *password.Hasher
	totp   *totpManager

	audit   *auditDispatcher
	metrics *Metrics
}

// Close drains and stops the audit dispatcher. It does not close the Redis
// client, which the caller owns.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// dispatch buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters: map[MetricID]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.secretStore != nil && e.challenges != nil && e.responses != nil
}
