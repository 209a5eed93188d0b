package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SetupTOTP generates a fresh TOTP seed for the user and stores it through
// the SecretStore (inactive until [Engine.ConfirmTOTPSetup] proves the user
// captured it). The label names the account in the provisioning URI.
//
// SetupTOTP may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SetupTOTP(ctx context.Context, userID, label string) (*TOTPSetup, error) {
	if !e.ready() || e.totp == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}

	secretRaw, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	if label == "" {
		label = userID
	}

	if err := e.secretStore.PutEnrollment(ctx, FactorEnrollment{
		UserID:         userID,
		Method:         MethodTOTP,
		SecretMaterial: secretRaw,
		Active:         false,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	out := &TOTPSetup{
		Secret:          secretRaw,
		ManualEntryKey:  e.totp.ManualEntryKey(secretBase32),
		ProvisioningURI: e.totp.ProvisionURI(secretBase32, label),
	}

	e.emitAudit(ctx, auditEventTOTPSetupRequested, true, userID, "", MethodTOTP.String(), nil, nil)
	return out, nil
}

// ConfirmTOTPSetup activates a pending TOTP enrollment once the user
// presents one valid code from the new seed.
//
// ConfirmTOTPSetup may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, userID, code string) error {
	if !e.ready() || e.totp == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrUserRequired
	}
	if code == "" {
		return ErrCodeRequired
	}

	enr, err := e.secretStore.Enrollment(ctx, userID, MethodTOTP)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return ErrMethodNotEnrolled
		}
		return fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if enr == nil || len(enr.SecretMaterial) == 0 {
		return ErrMethodNotEnrolled
	}

	ok, counter, err := e.totp.VerifyCode(enr.SecretMaterial, code, time.Now())
	if err != nil {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, userID, "", MethodTOTP.String(), ErrSecretStoreUnavailable, nil)
		return fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, userID, "", MethodTOTP.String(), ErrTOTPInvalid, nil)
		return ErrTOTPInvalid
	}

	activated := *enr
	activated.Active = true
	activated.TOTPLastUsedCounter = counter
	if err := e.secretStore.PutEnrollment(ctx, activated); err != nil {
		return fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	e.metricInc(MetricTOTPSuccess)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, userID, "", MethodTOTP.String(), nil, nil)
	return nil
}

// totpVerifier checks a time-based one-time code against the enrolled seed.
// With replay protection on, a counter at or below the last successfully
// used one is rejected even when the code itself matches.
type totpVerifier struct {
	engine *Engine
}

func (v *totpVerifier) Verify(ctx context.Context, userID, presented string) (bool, error) {
	e := v.engine
	if presented == "" {
		return false, nil
	}

	enr, err := e.secretStore.Enrollment(ctx, userID, MethodTOTP)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if enr == nil || !enr.Active || len(enr.SecretMaterial) == 0 {
		return false, nil
	}

	ok, counter, err := e.totp.VerifyCode(enr.SecretMaterial, presented, time.Now())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		return false, nil
	}

	if e.config.TOTP.EnforceReplayProtection {
		if counter <= enr.TOTPLastUsedCounter {
			e.metricInc(MetricTOTPReplayRejected)
			return false, nil
		}
		if err := e.secretStore.UpdateTOTPLastUsedCounter(ctx, userID, counter); err != nil {
			return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
		}
	}

	_ = e.secretStore.TouchEnrollment(ctx, userID, MethodTOTP, time.Now().UTC())
	e.metricInc(MetricTOTPSuccess)
	return true, nil
}
