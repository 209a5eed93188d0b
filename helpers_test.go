package stepup

import (
	"context"
	"encoding/base32"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testConfig() Config {
	cfg := defaultConfig()
	// Small Argon2 parameters keep the suite fast; production defaults are
	// exercised in config_test.go.
	cfg.SecondaryPassword.Memory = 8192
	cfg.SecondaryPassword.Time = 1
	cfg.SecondaryPassword.Parallelism = 1
	cfg.Assertion.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	return cfg
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

type enrollmentRow struct {
	enrollment FactorEnrollment
	seq        int
}

// memorySecretStore is an in-memory SecretStore honoring the interface
// contract: CreatedAt-ordered listings (insertion order breaks ties) and
// atomic single consumption of recovery codes.
type memorySecretStore struct {
	mu          sync.Mutex
	seq         int
	enrollments map[string]map[AuthMethod]*enrollmentRow
	recovery    map[string][]RecoveryCodeRecord

	failNext error
}

func newMemorySecretStore() *memorySecretStore {
	return &memorySecretStore{
		enrollments: make(map[string]map[AuthMethod]*enrollmentRow),
		recovery:    make(map[string][]RecoveryCodeRecord),
	}
}

func (s *memorySecretStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memorySecretStore) Enrollment(ctx context.Context, userID string, method AuthMethod) (*FactorEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	row, ok := s.enrollments[userID][method]
	if !ok {
		return nil, nil
	}
	copied := row.enrollment
	return &copied, nil
}

func (s *memorySecretStore) Enrollments(ctx context.Context, userID string) ([]FactorEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	rows := make([]*enrollmentRow, 0, len(s.enrollments[userID]))
	for _, row := range s.enrollments[userID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].enrollment.CreatedAt.Equal(rows[j].enrollment.CreatedAt) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].enrollment.CreatedAt.Before(rows[j].enrollment.CreatedAt)
	})

	out := make([]FactorEnrollment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.enrollment)
	}
	return out, nil
}

func (s *memorySecretStore) PutEnrollment(ctx context.Context, enrollment FactorEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	byMethod, ok := s.enrollments[enrollment.UserID]
	if !ok {
		byMethod = make(map[AuthMethod]*enrollmentRow)
		s.enrollments[enrollment.UserID] = byMethod
	}
	seq := s.seq
	if prior, ok := byMethod[enrollment.Method]; ok {
		seq = prior.seq
	} else {
		s.seq++
	}
	byMethod[enrollment.Method] = &enrollmentRow{enrollment: enrollment, seq: seq}
	return nil
}

func (s *memorySecretStore) DisableEnrollment(ctx context.Context, userID string, method AuthMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	if row, ok := s.enrollments[userID][method]; ok {
		row.enrollment.Active = false
	}
	return nil
}

func (s *memorySecretStore) TouchEnrollment(ctx context.Context, userID string, method AuthMethod, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.enrollments[userID][method]; ok {
		row.enrollment.LastUsedAt = usedAt
	}
	return nil
}

func (s *memorySecretStore) UpdateTOTPLastUsedCounter(ctx context.Context, userID string, counter int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.enrollments[userID][MethodTOTP]; ok {
		row.enrollment.TOTPLastUsedCounter = counter
	}
	return nil
}

func (s *memorySecretStore) RecoveryCodes(ctx context.Context, userID string) ([]RecoveryCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	return append([]RecoveryCodeRecord(nil), s.recovery[userID]...), nil
}

func (s *memorySecretStore) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}

	s.recovery[userID] = append([]RecoveryCodeRecord(nil), codes...)
	return nil
}

func (s *memorySecretStore) ConsumeRecoveryCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}

	codes := s.recovery[userID]
	for i, record := range codes {
		if record.Hash == hash {
			s.recovery[userID] = append(codes[:i:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type fakeSMSGateway struct {
	mu sync.Mutex

	sentTo    []string
	sentCodes []string
	failWith  error
}

func (g *fakeSMSGateway) SendCode(ctx context.Context, phoneNumber, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failWith != nil {
		return g.failWith
	}
	g.sentTo = append(g.sentTo, phoneNumber)
	g.sentCodes = append(g.sentCodes, code)
	return nil
}

func (g *fakeSMSGateway) lastCode(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.sentCodes) == 0 {
		t.Fatal("expected at least one dispatched SMS code")
	}
	return g.sentCodes[len(g.sentCodes)-1]
}

type testEnv struct {
	engine  *Engine
	store   *memorySecretStore
	gateway *fakeSMSGateway
	mini    *miniredis.Miniredis
	rdb     *redis.Client
}

func newTestEngine(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr, client := newTestRedis(t)
	store := newMemorySecretStore()
	gateway := &fakeSMSGateway{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithSecretStore(store).
		WithSMSGateway(gateway).
		WithMetricsEnabled(true).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	t.Cleanup(func() {
		engine.Close()
		_ = client.Close()
		mr.Close()
	})

	return &testEnv{engine: engine, store: store, gateway: gateway, mini: mr, rdb: client}
}

func codeForNow(t *testing.T, secret []byte, cfg TOTPConfig) string {
	t.Helper()

	counter := time.Now().Unix() / int64(cfg.Period)
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

func codeForOffset(t *testing.T, secret []byte, cfg TOTPConfig, offset int64) string {
	t.Helper()

	counter := (time.Now().Unix() / int64(cfg.Period)) + offset
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

func decodeBase32Secret(t *testing.T, manualEntryKey string) []byte {
	t.Helper()

	compact := strings.ToUpper(strings.ReplaceAll(manualEntryKey, " ", ""))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(compact)
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	return raw
}

func enrollSecondaryPassword(t *testing.T, env *testEnv, userID, pw string) []string {
	t.Helper()

	setup, err := env.engine.SetupSecondaryPassword(context.Background(), userID, pw)
	if err != nil {
		t.Fatalf("SetupSecondaryPassword failed: %v", err)
	}
	return setup.RecoveryCodes
}

func enrollTOTP(t *testing.T, env *testEnv, userID string) []byte {
	t.Helper()

	setup, err := env.engine.SetupTOTP(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	code := codeForNow(t, setup.Secret, env.engine.config.TOTP)
	if err := env.engine.ConfirmTOTPSetup(context.Background(), userID, code); err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}
	return setup.Secret
}
