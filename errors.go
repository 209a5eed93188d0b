package stepup

import "errors"

var (
	// ErrChallengeNotFound is an exported constant or variable used by the step-up engine.
	//
	// It is deliberately returned for missing, completed, expired, and exhausted
	// challenges alike so the boundary does not leak challenge state.
	ErrChallengeNotFound = errors.New("challenge invalid or expired")
	// ErrChallengeAttemptsExceeded is an exported constant or variable used by the step-up engine.
	ErrChallengeAttemptsExceeded = errors.New("challenge attempts exceeded")
	// ErrChallengeNotCompleted is an exported constant or variable used by the step-up engine.
	ErrChallengeNotCompleted = errors.New("challenge not completed")
	// ErrChallengeUnavailable is an exported constant or variable used by the step-up engine.
	ErrChallengeUnavailable = errors.New("challenge backend unavailable")
	// ErrMethodNotRequired is an exported constant or variable used by the step-up engine.
	ErrMethodNotRequired = errors.New("method not required for challenge")
	// ErrMethodNotEnrolled is an exported constant or variable used by the step-up engine.
	ErrMethodNotEnrolled = errors.New("method not enrolled")
	// ErrEnrollmentNotFound is returned by SecretStore implementations when no
	// enrollment exists for the requested (user, method) pair. The engine maps
	// it to a plain verification failure so probing a missing enrollment is
	// indistinguishable from a wrong credential.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	// ErrMethodInvalid is an exported constant or variable used by the step-up engine.
	ErrMethodInvalid = errors.New("unknown auth method")
	// ErrChallengeTypeInvalid is an exported constant or variable used by the step-up engine.
	ErrChallengeTypeInvalid = errors.New("unknown challenge type")
	// ErrCodeRequired is an exported constant or variable used by the step-up engine.
	ErrCodeRequired = errors.New("verification value required")
	// ErrTOTPInvalid is an exported constant or variable used by the step-up engine.
	ErrTOTPInvalid = errors.New("invalid totp code")
	// ErrPasswordPolicy is an exported constant or variable used by the step-up engine.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordInvalid is an exported constant or variable used by the step-up engine.
	ErrPasswordInvalid = errors.New("invalid secondary password")
	// ErrPhoneNumberInvalid is an exported constant or variable used by the step-up engine.
	ErrPhoneNumberInvalid = errors.New("invalid phone number")
	// ErrSMSRateLimited is an exported constant or variable used by the step-up engine.
	ErrSMSRateLimited = errors.New("sms delivery rate limited")
	// ErrSMSGatewayUnavailable is an exported constant or variable used by the step-up engine.
	ErrSMSGatewayUnavailable = errors.New("sms gateway unavailable")
	// ErrSecretStoreUnavailable is an exported constant or variable used by the step-up engine.
	ErrSecretStoreUnavailable = errors.New("secret store unavailable")
	// ErrAssertionInvalid is an exported constant or variable used by the step-up engine.
	ErrAssertionInvalid = errors.New("invalid step-up assertion")
	// ErrUserRequired is an exported constant or variable used by the step-up engine.
	ErrUserRequired = errors.New("user id required")
	// ErrEngineNotReady is an exported constant or variable used by the step-up engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
