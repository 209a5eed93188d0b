package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/factorgate/stepup/internal"
)

// SetupSecondaryPassword enrolls (or replaces) the user's secondary password
// and issues a fresh set of single-use recovery codes in the same call. The
// plaintext codes are returned exactly once; only their hashes are retained.
//
// SetupSecondaryPassword may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SetupSecondaryPassword(ctx context.Context, userID, secondaryPassword string) (*SecondaryPasswordSetup, error) {
	if !e.ready() || e.hasher == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}
	if len(secondaryPassword) < e.config.SecondaryPassword.MinLength {
		return nil, ErrPasswordPolicy
	}

	hash, err := e.hasher.Hash(secondaryPassword)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	now := time.Now().UTC()
	if err := e.secretStore.PutEnrollment(ctx, FactorEnrollment{
		UserID:       userID,
		Method:       MethodSecondaryPassword,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	codes, err := e.issueRecoveryCodes(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventSecondaryPasswordSetup, true, userID, "", MethodSecondaryPassword.String(), nil, nil)
	return &SecondaryPasswordSetup{RecoveryCodes: codes}, nil
}

// RegenerateRecoveryCodes replaces the user's remaining recovery codes with
// a fresh set. The secondary password re-proves identity first, so a stolen
// session alone cannot rotate the codes.
//
// RegenerateRecoveryCodes may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, userID, secondaryPassword string) ([]string, error) {
	if !e.ready() || e.hasher == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}

	verifier := e.verifiers[MethodSecondaryPassword]
	ok, err := verifier.Verify(ctx, userID, secondaryPassword)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPasswordInvalid
	}

	codes, err := e.issueRecoveryCodes(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (e *Engine) issueRecoveryCodes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	count := e.config.SecondaryPassword.RecoveryCodeCount
	length := e.config.SecondaryPassword.RecoveryCodeLength

	records := make([]RecoveryCodeRecord, 0, count)
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw, err := internal.NewRecoveryCode(length)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
		}
		canonical := internal.CanonicalizeRecoveryCode(raw)
		records = append(records, RecoveryCodeRecord{Hash: internal.RecoveryCodeHash(userID, canonical)})
		codes = append(codes, internal.FormatRecoveryCode(raw))
	}

	if err := e.secretStore.ReplaceRecoveryCodes(ctx, userID, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if err := e.secretStore.PutEnrollment(ctx, FactorEnrollment{
		UserID:    userID,
		Method:    MethodRecoveryCode,
		Active:    true,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventRecoveryCodesIssued, true, userID, "", MethodRecoveryCode.String(), nil, func() map[string]string {
		return map[string]string{"count": fmt.Sprintf("%d", len(codes))}
	})
	return codes, nil
}

// passwordVerifier checks the secondary password against the stored
// Argon2id hash. On success it opportunistically upgrades the stored hash
// when the engine's parameters have been strengthened since enrollment.
type passwordVerifier struct {
	engine *Engine
}

func (v *passwordVerifier) Verify(ctx context.Context, userID, presented string) (bool, error) {
	e := v.engine
	if presented == "" {
		return false, nil
	}

	enr, err := e.secretStore.Enrollment(ctx, userID, MethodSecondaryPassword)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if enr == nil || !enr.Active || enr.PasswordHash == "" {
		return false, nil
	}

	ok, err := e.hasher.Verify(presented, enr.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if !ok {
		return false, nil
	}

	if upgrade, err := e.hasher.NeedsUpgrade(enr.PasswordHash); err == nil && upgrade {
		if newHash, err := e.hasher.Hash(presented); err == nil {
			rehashed := *enr
			rehashed.PasswordHash = newHash
			_ = e.secretStore.PutEnrollment(ctx, rehashed)
		}
	}

	_ = e.secretStore.TouchEnrollment(ctx, userID, MethodSecondaryPassword, time.Now().UTC())
	return true, nil
}
