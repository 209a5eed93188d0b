package stepup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/factorgate/stepup/internal"
)

// SetupSMS validates the phone number, generates a one-time code, stores it
// with a short expiry keyed by user, and dispatches it through the SMS
// gateway. Calling it again replaces any pending code, so it doubles as the
// re-send path during an open challenge. Dispatch is bounded by
// [SMSConfig.GatewayTimeout] and rate limited per user.
//
// SetupSMS may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SetupSMS(ctx context.Context, userID, phoneNumber string) (*SMSSetup, error) {
	if !e.ready() || e.smsGateway == nil || e.smsCodes == nil || e.smsLimiter == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}
	phone := strings.TrimSpace(phoneNumber)
	if !validPhoneNumber(phone) {
		return nil, ErrPhoneNumberInvalid
	}

	if err := e.smsLimiter.Check(ctx, userID); err != nil {
		if errors.Is(err, errSMSSendRateLimited) {
			e.metricInc(MetricSMSRateLimited)
			e.emitAudit(ctx, auditEventSMSRateLimited, false, userID, "", MethodSMS.String(), ErrSMSRateLimited, nil)
			return nil, ErrSMSRateLimited
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	code, err := internal.NewOTP(e.config.SMS.OTPDigits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	now := time.Now()
	hash := internal.SMSCodeHash(userID, code)
	if err := e.smsCodes.Put(ctx, userID, &smsCodeRecord{
		CodeHash:  hash,
		Phone:     phone,
		ExpiresAt: now.Add(e.config.SMS.CodeTTL).Unix(),
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.config.SMS.GatewayTimeout)
	defer cancel()
	if err := e.smsGateway.SendCode(sendCtx, phone, code); err != nil {
		e.metricInc(MetricSMSSendFailed)
		e.emitAudit(ctx, auditEventSMSSendFailed, false, userID, "", MethodSMS.String(), ErrSMSGatewayUnavailable, nil)
		return nil, fmt.Errorf("%w: %v", ErrSMSGatewayUnavailable, err)
	}
	_ = e.smsLimiter.RecordSend(ctx, userID)

	if err := e.secretStore.PutEnrollment(ctx, FactorEnrollment{
		UserID:    userID,
		Method:    MethodSMS,
		Active:    true,
		CreatedAt: now.UTC(),
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	e.metricInc(MetricSMSCodeSent)
	e.emitAudit(ctx, auditEventSMSCodeSent, true, userID, "", MethodSMS.String(), nil, func() map[string]string {
		return map[string]string{"phone": maskPhone(phone)}
	})

	return &SMSSetup{
		MaskedPhone:      maskPhone(phone),
		ExpiresInSeconds: int(e.config.SMS.CodeTTL / time.Second),
	}, nil
}

// smsVerifier compares the presented code against the unexpired pending
// code and consumes it on match. Expired, mismatched, and absent codes are
// all plain failures, as is a disabled enrollment even while a code is
// still pending.
type smsVerifier struct {
	engine *Engine
}

func (v *smsVerifier) Verify(ctx context.Context, userID, presented string) (bool, error) {
	e := v.engine

	code := strings.TrimSpace(presented)
	if code == "" || !isNumericString(code) {
		return false, nil
	}

	enr, err := e.secretStore.Enrollment(ctx, userID, MethodSMS)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if enr == nil || !enr.Active {
		return false, nil
	}

	ok, err := e.smsCodes.Consume(ctx, userID, internal.SMSCodeHash(userID, code))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !ok {
		return false, nil
	}

	_ = e.secretStore.TouchEnrollment(ctx, userID, MethodSMS, time.Now().UTC())
	return true, nil
}

// validPhoneNumber accepts E.164-style numbers: "+" followed by 1 to 15
// digits, first digit nonzero.
func validPhoneNumber(phone string) bool {
	if len(phone) < 2 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	digits := phone[1:]
	if digits[0] == '0' {
		return false
	}
	return isNumericString(digits)
}

// maskPhone keeps the country prefix and last two digits.
func maskPhone(phone string) string {
	if len(phone) <= 5 {
		return phone
	}
	var b strings.Builder
	b.WriteString(phone[:3])
	for i := 3; i < len(phone)-2; i++ {
		b.WriteByte('*')
	}
	b.WriteString(phone[len(phone)-2:])
	return b.String()
}
