package stepup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/factorgate/stepup/internal"
)

func TestSetupSMSDispatchesCode(t *testing.T) {
	env := newTestEngine(t, testConfig())

	setup, err := env.engine.SetupSMS(context.Background(), "u1", "+15551230042")
	if err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	if !strings.HasPrefix(setup.MaskedPhone, "+15") || !strings.HasSuffix(setup.MaskedPhone, "42") {
		t.Fatalf("unexpected mask: %q", setup.MaskedPhone)
	}
	if strings.Contains(setup.MaskedPhone, "1230") {
		t.Fatalf("mask leaks middle digits: %q", setup.MaskedPhone)
	}
	if setup.ExpiresInSeconds != int(env.engine.config.SMS.CodeTTL/time.Second) {
		t.Fatalf("unexpected expiry seconds: %d", setup.ExpiresInSeconds)
	}

	code := env.gateway.lastCode(t)
	if len(code) != env.engine.config.SMS.OTPDigits {
		t.Fatalf("expected %d digit code, got %q", env.engine.config.SMS.OTPDigits, code)
	}

	enr, err := env.store.Enrollment(context.Background(), "u1", MethodSMS)
	if err != nil || enr == nil || !enr.Active {
		t.Fatalf("expected active sms enrollment, enr=%+v err=%v", enr, err)
	}
}

func TestSetupSMSRejectsBadPhoneNumbers(t *testing.T) {
	env := newTestEngine(t, testConfig())

	for _, phone := range []string{"", "15551230042", "+0155512", "+1555abc", "+12345678901234567"} {
		if _, err := env.engine.SetupSMS(context.Background(), "u1", phone); !errors.Is(err, ErrPhoneNumberInvalid) {
			t.Fatalf("phone %q: expected ErrPhoneNumberInvalid, got %v", phone, err)
		}
	}
}

func TestSetupSMSGatewayFailureSurfaces(t *testing.T) {
	env := newTestEngine(t, testConfig())
	env.gateway.failWith = errors.New("carrier down")

	if _, err := env.engine.SetupSMS(context.Background(), "u1", "+15551230042"); !errors.Is(err, ErrSMSGatewayUnavailable) {
		t.Fatalf("expected ErrSMSGatewayUnavailable, got %v", err)
	}
	// Failed dispatch must not create an enrollment.
	enr, err := env.store.Enrollment(context.Background(), "u1", MethodSMS)
	if err != nil {
		t.Fatalf("Enrollment failed: %v", err)
	}
	if enr != nil {
		t.Fatal("expected no enrollment after failed dispatch")
	}
}

func TestSetupSMSRateLimitsSends(t *testing.T) {
	env := newTestEngine(t, testConfig())

	for i := 0; i < env.engine.config.SMS.MaxSends; i++ {
		if _, err := env.engine.SetupSMS(context.Background(), "u1", "+15551230042"); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if _, err := env.engine.SetupSMS(context.Background(), "u1", "+15551230042"); !errors.Is(err, ErrSMSRateLimited) {
		t.Fatalf("expected ErrSMSRateLimited, got %v", err)
	}

	// The window is per user.
	if _, err := env.engine.SetupSMS(context.Background(), "u2", "+15551230099"); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}
}

func TestSMSVerifierConsumesCode(t *testing.T) {
	env := newTestEngine(t, testConfig())
	if _, err := env.engine.SetupSMS(context.Background(), "u1", "+15551230042"); err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	code := env.gateway.lastCode(t)

	grant, err := env.engine.CreateChallengeWithMethods(
		context.Background(), "u1", ChallengeDataAccess, nil, []AuthMethod{MethodSMS},
	)
	if err != nil {
		t.Fatalf("CreateChallengeWithMethods failed: %v", err)
	}

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	result, err := env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSMS, wrong, RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if result.Success {
		t.Fatal("wrong sms code must not verify")
	}

	result, err = env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSMS, code, RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if !result.ChallengeCompleted {
		t.Fatalf("expected completion, got %+v", result)
	}

	// The pending code is single use.
	replay, err := env.engine.CreateChallengeWithMethods(
		context.Background(), "u1", ChallengeDataAccess, nil, []AuthMethod{MethodSMS},
	)
	if err != nil {
		t.Fatalf("CreateChallengeWithMethods failed: %v", err)
	}
	result, err = env.engine.RespondToChallenge(context.Background(), replay.ChallengeID, MethodSMS, code, RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if result.Success {
		t.Fatal("consumed sms code must not verify again")
	}
}

func TestSMSVerifierRejectsDisabledEnrollment(t *testing.T) {
	env := newTestEngine(t, testConfig())
	if _, err := env.engine.SetupSMS(context.Background(), "u1", "+15551230042"); err != nil {
		t.Fatalf("SetupSMS failed: %v", err)
	}
	code := env.gateway.lastCode(t)

	grant, err := env.engine.CreateChallengeWithMethods(
		context.Background(), "u1", ChallengeDataAccess, nil, []AuthMethod{MethodSMS},
	)
	if err != nil {
		t.Fatalf("CreateChallengeWithMethods failed: %v", err)
	}
	if err := env.engine.DisableAuthMethod(context.Background(), "u1", MethodSMS); err != nil {
		t.Fatalf("DisableAuthMethod failed: %v", err)
	}

	result, err := env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSMS, code, RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if result.Success {
		t.Fatal("pending code must not verify after the method is disabled")
	}
}

func TestSMSVerifierRejectsExpiredCode(t *testing.T) {
	env := newTestEngine(t, testConfig())

	// Plant an already-expired pending code directly; the verifier must
	// treat it as a plain mismatch.
	code := "123456"
	if err := env.engine.smsCodes.Put(context.Background(), "u1", &smsCodeRecord{
		CodeHash:  internal.SMSCodeHash("u1", code),
		Phone:     "+15551230042",
		ExpiresAt: time.Now().Add(time.Second).Unix(),
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	key := env.engine.smsCodes.key("u1")
	record, err := env.rdb.Get(context.Background(), key).Bytes()
	if err != nil {
		t.Fatalf("redis get failed: %v", err)
	}
	expired, err := decodeSMSCodeRecord(record)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	encoded, err := encodeSMSCodeRecord(expired)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := env.rdb.Set(context.Background(), key, encoded, time.Hour).Err(); err != nil {
		t.Fatalf("redis set failed: %v", err)
	}

	ok, err := env.engine.verifiers[MethodSMS].Verify(context.Background(), "u1", code)
	if err != nil {
		t.Fatalf("Verify errored: %v", err)
	}
	if ok {
		t.Fatal("expired sms code must not verify")
	}
}
