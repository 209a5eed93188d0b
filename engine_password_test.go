package stepup

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSetupSecondaryPasswordEnforcesMinLength(t *testing.T) {
	env := newTestEngine(t, testConfig())

	if _, err := env.engine.SetupSecondaryPassword(context.Background(), "u1", "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if _, err := env.engine.SetupSecondaryPassword(context.Background(), "", "long-enough-pw"); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
}

func TestSetupSecondaryPasswordIssuesRecoveryCodes(t *testing.T) {
	cfg := testConfig()
	env := newTestEngine(t, cfg)

	codes := enrollSecondaryPassword(t, env, "u1", "horse-battery-1")
	if len(codes) != cfg.SecondaryPassword.RecoveryCodeCount {
		t.Fatalf("expected %d codes, got %d", cfg.SecondaryPassword.RecoveryCodeCount, len(codes))
	}
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		if !strings.Contains(code, "-") {
			t.Fatalf("expected display format with separator, got %q", code)
		}
		if seen[code] {
			t.Fatalf("duplicate recovery code issued: %q", code)
		}
		seen[code] = true
	}

	// Only hashes are retained.
	stored, err := env.store.RecoveryCodes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RecoveryCodes failed: %v", err)
	}
	if len(stored) != len(codes) {
		t.Fatalf("expected %d stored hashes, got %d", len(codes), len(stored))
	}

	// Both enrollments land: the password itself plus the recovery codes.
	methods, err := env.engine.UserAuthMethods(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UserAuthMethods failed: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("expected 2 enrollments, got %v", methods)
	}
}

func TestSetupSecondaryPasswordReplacesPrior(t *testing.T) {
	env := newTestEngine(t, testConfig())
	enrollSecondaryPassword(t, env, "u1", "first-password-1")
	enrollSecondaryPassword(t, env, "u1", "second-password-2")

	grant, err := env.engine.CreateChallengeWithMethods(
		context.Background(), "u1", ChallengeDataAccess, nil, []AuthMethod{MethodSecondaryPassword},
	)
	if err != nil {
		t.Fatalf("CreateChallengeWithMethods failed: %v", err)
	}

	result, err := env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSecondaryPassword, "first-password-1", RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if result.Success {
		t.Fatal("replaced password must stop verifying")
	}

	result, err = env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodSecondaryPassword, "second-password-2", RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if !result.Success {
		t.Fatal("current password must verify")
	}
}

func TestRegenerateRecoveryCodesRequiresPassword(t *testing.T) {
	env := newTestEngine(t, testConfig())
	original := enrollSecondaryPassword(t, env, "u1", "horse-battery-1")

	if _, err := env.engine.RegenerateRecoveryCodes(context.Background(), "u1", "wrong-password-1"); !errors.Is(err, ErrPasswordInvalid) {
		t.Fatalf("expected ErrPasswordInvalid, got %v", err)
	}

	fresh, err := env.engine.RegenerateRecoveryCodes(context.Background(), "u1", "horse-battery-1")
	if err != nil {
		t.Fatalf("RegenerateRecoveryCodes failed: %v", err)
	}
	if len(fresh) != env.engine.config.SecondaryPassword.RecoveryCodeCount {
		t.Fatalf("expected full fresh set, got %d", len(fresh))
	}

	// Old codes are fully invalidated.
	grant, err := env.engine.CreateChallengeWithMethods(
		context.Background(), "u1", ChallengeDataAccess, nil, []AuthMethod{MethodRecoveryCode},
	)
	if err != nil {
		t.Fatalf("CreateChallengeWithMethods failed: %v", err)
	}
	result, err := env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodRecoveryCode, original[0], RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if result.Success {
		t.Fatal("rotated-out recovery code must not verify")
	}

	result, err = env.engine.RespondToChallenge(context.Background(), grant.ChallengeID, MethodRecoveryCode, fresh[0], RequestMeta{})
	if err != nil {
		t.Fatalf("RespondToChallenge failed: %v", err)
	}
	if !result.Success {
		t.Fatal("fresh recovery code must verify")
	}
}
