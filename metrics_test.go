package stepup

import (
	"context"
	"sync"
	"testing"
)

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	if m.Enabled() {
		t.Fatal("expected disabled collector")
	}
	m.Inc(MetricChallengeCreated)
	if m.Value(MetricChallengeCreated) != 0 {
		t.Fatal("disabled collector must not count")
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricChallengeCreated)
	if nilMetrics.Value(MetricChallengeCreated) != 0 {
		t.Fatal("nil collector must read zero")
	}
	if snap := nilMetrics.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap.Counters)
	}
}

func TestMetricsCountConcurrently(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 8
	const perWorker = 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricResponseSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricResponseSuccess); got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
	if got := m.Snapshot().Counters[MetricResponseSuccess]; got != workers*perWorker {
		t.Fatalf("snapshot mismatch: %d", got)
	}
}

func TestEngineCountersTrackChallengeFlow(t *testing.T) {
	env := newTestEngine(t, testConfig())
	enrollSecondaryPassword(t, env, "u1", "horse-battery-1")

	grant, err := env.engine.CreateChallenge(context.Background(), "u1", ChallengeDataAccess, nil)
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}
	if _, err := env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSecondaryPassword, "wrong-password-1", RequestMeta{}); err != nil {
		t.Fatalf("failed response errored: %v", err)
	}
	if _, err := env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSecondaryPassword, "horse-battery-1", RequestMeta{}); err != nil {
		t.Fatalf("successful response errored: %v", err)
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricChallengeCreated] != 1 {
		t.Fatalf("expected 1 created, got %d", snap.Counters[MetricChallengeCreated])
	}
	if snap.Counters[MetricResponseFailure] != 1 {
		t.Fatalf("expected 1 failure, got %d", snap.Counters[MetricResponseFailure])
	}
	if snap.Counters[MetricResponseSuccess] != 1 {
		t.Fatalf("expected 1 success, got %d", snap.Counters[MetricResponseSuccess])
	}
	if snap.Counters[MetricChallengeCompleted] != 1 {
		t.Fatalf("expected 1 completed, got %d", snap.Counters[MetricChallengeCompleted])
	}
}
