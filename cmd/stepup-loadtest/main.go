// Command stepup-loadtest exercises the challenge hot path against a real or
// embedded Redis: a create phase opening challenges and a respond phase
// driving secondary-password verifications through to completion. It reports
// throughput and latency percentiles per phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	stepup "github.com/factorgate/stepup"
)

const loadPassword = "loadtest-password-1"

func main() {
	var (
		users       = flag.Int("users", 1000, "number of users to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 5000, "operations per phase (create + respond)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	var client *redis.Client
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := stepup.DefaultConfig()
	// Test-grade Argon2 parameters: the run measures engine and Redis
	// overhead, not KDF hardness.
	cfg.SecondaryPassword.Memory = 8192
	cfg.SecondaryPassword.Time = 1
	cfg.SecondaryPassword.Parallelism = 1

	engine, err := stepup.New().
		WithConfig(cfg).
		WithRedis(client).
		WithSecretStore(newLoadStore()).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	userIDs := make([]string, *users)
	fmt.Printf("seeding %d users...\n", *users)
	startSeed := time.Now()
	for i := range userIDs {
		userIDs[i] = fmt.Sprintf("load-u%d", i)
		if _, err := engine.SetupSecondaryPassword(ctx, userIDs[i], loadPassword); err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	grants, createStats := runCreatePhase(ctx, engine, userIDs, *ops, *concurrency)
	respondStats := runRespondPhase(ctx, engine, grants, *concurrency)

	fmt.Println("---- results ----")
	printStats("create", createStats)
	printStats("respond", respondStats)
}

type challengeRef struct {
	challengeID string
	method      stepup.AuthMethod
}

func runCreatePhase(ctx context.Context, engine *stepup.Engine, userIDs []string, ops, concurrency int) ([]challengeRef, phaseStats) {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
		grants    = make([]challengeRef, 0, ops)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				userID := userIDs[r.Intn(len(userIDs))]
				t0 := time.Now()
				grant, err := engine.CreateChallenge(ctx, userID, stepup.ChallengeDataAccess, nil)
				d := time.Since(t0)

				mu.Lock()
				latencies = append(latencies, d)
				if err != nil {
					failures++
				} else {
					grants = append(grants, challengeRef{
						challengeID: grant.ChallengeID,
						method:      grant.RequiredMethods[0],
					})
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return grants, computeStats(time.Since(start), latencies, failures)
}

func runRespondPhase(ctx context.Context, engine *stepup.Engine, grants []challengeRef, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, len(grants))
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(grants) {
					return
				}
				ref := grants[i]
				t0 := time.Now()
				result, err := engine.RespondToChallenge(ctx, ref.challengeID, ref.method, loadPassword, stepup.RequestMeta{})
				d := time.Since(t0)

				mu.Lock()
				latencies = append(latencies, d)
				if err != nil || !result.ChallengeCompleted {
					failures++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

// loadStore is a lock-protected in-memory SecretStore sized for the run.
type loadStore struct {
	mu          sync.Mutex
	seq         int
	enrollments map[string]map[stepup.AuthMethod]loadRow
	recovery    map[string][]stepup.RecoveryCodeRecord
}

type loadRow struct {
	enrollment stepup.FactorEnrollment
	seq        int
}

func newLoadStore() *loadStore {
	return &loadStore{
		enrollments: make(map[string]map[stepup.AuthMethod]loadRow),
		recovery:    make(map[string][]stepup.RecoveryCodeRecord),
	}
}

func (s *loadStore) Enrollment(_ context.Context, userID string, method stepup.AuthMethod) (*stepup.FactorEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.enrollments[userID][method]
	if !ok {
		return nil, nil
	}
	out := row.enrollment
	return &out, nil
}

func (s *loadStore) Enrollments(_ context.Context, userID string) ([]stepup.FactorEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]loadRow, 0, len(s.enrollments[userID]))
	for _, row := range s.enrollments[userID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].enrollment.CreatedAt.Equal(rows[j].enrollment.CreatedAt) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].enrollment.CreatedAt.Before(rows[j].enrollment.CreatedAt)
	})
	out := make([]stepup.FactorEnrollment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.enrollment)
	}
	return out, nil
}

func (s *loadStore) PutEnrollment(_ context.Context, enrollment stepup.FactorEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byMethod, ok := s.enrollments[enrollment.UserID]
	if !ok {
		byMethod = make(map[stepup.AuthMethod]loadRow)
		s.enrollments[enrollment.UserID] = byMethod
	}
	seq := s.seq
	if prior, ok := byMethod[enrollment.Method]; ok {
		seq = prior.seq
	} else {
		s.seq++
	}
	byMethod[enrollment.Method] = loadRow{enrollment: enrollment, seq: seq}
	return nil
}

func (s *loadStore) DisableEnrollment(_ context.Context, userID string, method stepup.AuthMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.enrollments[userID][method]; ok {
		row.enrollment.Active = false
		s.enrollments[userID][method] = row
	}
	return nil
}

func (s *loadStore) TouchEnrollment(_ context.Context, userID string, method stepup.AuthMethod, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.enrollments[userID][method]; ok {
		row.enrollment.LastUsedAt = usedAt
		s.enrollments[userID][method] = row
	}
	return nil
}

func (s *loadStore) UpdateTOTPLastUsedCounter(_ context.Context, userID string, counter int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.enrollments[userID][stepup.MethodTOTP]; ok {
		row.enrollment.TOTPLastUsedCounter = counter
		s.enrollments[userID][stepup.MethodTOTP] = row
	}
	return nil
}

func (s *loadStore) RecoveryCodes(_ context.Context, userID string) ([]stepup.RecoveryCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stepup.RecoveryCodeRecord(nil), s.recovery[userID]...), nil
}

func (s *loadStore) ReplaceRecoveryCodes(_ context.Context, userID string, codes []stepup.RecoveryCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovery[userID] = append([]stepup.RecoveryCodeRecord(nil), codes...)
	return nil
}

func (s *loadStore) ConsumeRecoveryCode(_ context.Context, userID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.recovery[userID]
	for i, record := range codes {
		if record.Hash == hash {
			s.recovery[userID] = append(codes[:i:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
