package stepup

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventChallengeCreated       = "challenge_created"
	auditEventChallengeCompleted     = "challenge_completed"
	auditEventChallengeCanceled      = "challenge_canceled"
	auditEventChallengeExpired       = "challenge_expired"
	auditEventChallengeExhausted     = "challenge_attempts_exhausted"
	auditEventChallengeClosedReplay  = "challenge_closed_response_rejected"
	auditEventChallengeNotFound      = "challenge_not_found"
	auditEventResponseSuccess        = "challenge_response_success"
	auditEventResponseFailure        = "challenge_response_failure"
	auditEventResponseError          = "challenge_response_error"
	auditEventMethodNotRequired      = "challenge_method_not_required"
	auditEventSecondaryPasswordSetup = "secondary_password_setup"
	auditEventTOTPSetupRequested     = "totp_setup_requested"
	auditEventTOTPEnabled            = "totp_enabled"
	auditEventTOTPFailure            = "totp_failure"
	auditEventSMSCodeSent            = "sms_code_sent"
	auditEventSMSSendFailed          = "sms_send_failed"
	auditEventSMSRateLimited         = "sms_rate_limited"
	auditEventRecoveryCodesIssued    = "recovery_codes_issued"
	auditEventRecoveryCodeUsed       = "recovery_code_used"
	auditEventMethodDisabled         = "auth_method_disabled"
	auditEventAssertionIssued        = "assertion_issued"
)

// AuditErrorCode defines a public type used by stepup APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrChallengeNotFound  AuditErrorCode = "challenge_not_found"
	auditErrChallengeClosed    AuditErrorCode = "challenge_closed"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrMethodNotRequired  AuditErrorCode = "method_not_required"
	auditErrMethodNotEnrolled  AuditErrorCode = "method_not_enrolled"
	auditErrVerificationFailed AuditErrorCode = "verification_failed"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPhoneInvalid       AuditErrorCode = "phone_invalid"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrAssertionInvalid   AuditErrorCode = "assertion_invalid"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	challengeID string,
	method string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		UserID:      userID,
		ChallengeID: challengeID,
		Method:      method,
		IP:          clientIPFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return auditErrChallengeNotFound
	case errors.Is(err, ErrChallengeNotCompleted):
		return auditErrChallengeClosed
	case errors.Is(err, ErrChallengeAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrMethodNotRequired):
		return auditErrMethodNotRequired
	case errors.Is(err, ErrMethodNotEnrolled),
		errors.Is(err, ErrEnrollmentNotFound):
		return auditErrMethodNotEnrolled
	case errors.Is(err, ErrPasswordInvalid),
		errors.Is(err, ErrTOTPInvalid),
		errors.Is(err, ErrCodeRequired):
		return auditErrVerificationFailed
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPhoneNumberInvalid):
		return auditErrPhoneInvalid
	case errors.Is(err, ErrSMSRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrAssertionInvalid):
		return auditErrAssertionInvalid
	case errors.Is(err, ErrChallengeUnavailable),
		errors.Is(err, ErrSecretStoreUnavailable),
		errors.Is(err, ErrSMSGatewayUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
