package stepup

import (
	"context"
	"time"
)

// AuthMethod identifies one verification factor. The set is closed: each
// method is backed by a verifier registered at [Builder.Build] time, so an
// unknown method can never satisfy a challenge.
type AuthMethod uint8

const (
	// MethodSecondaryPassword is an exported constant or variable used by the step-up engine.
	MethodSecondaryPassword AuthMethod = iota
	// MethodTOTP is an exported constant or variable used by the step-up engine.
	MethodTOTP
	// MethodRecoveryCode is an exported constant or variable used by the step-up engine.
	MethodRecoveryCode
	// MethodSMS is an exported constant or variable used by the step-up engine.
	MethodSMS
	methodCount
)

var methodNames = [methodCount]string{
	MethodSecondaryPassword: "secondary_password",
	MethodTOTP:              "totp",
	MethodRecoveryCode:      "recovery_code",
	MethodSMS:               "sms",
}

// String returns the wire/audit name of the method ("secondary_password",
// "totp", "recovery_code", "sms").
func (m AuthMethod) String() string {
	if m >= methodCount {
		return "unknown"
	}
	return methodNames[m]
}

// Valid reports whether m is one of the registered methods.
func (m AuthMethod) Valid() bool {
	return m < methodCount
}

// ParseAuthMethod maps a wire name back to its [AuthMethod]. It returns
// [ErrMethodInvalid] for anything outside the closed set.
func ParseAuthMethod(name string) (AuthMethod, error) {
	for m, n := range methodNames {
		if n == name {
			return AuthMethod(m), nil
		}
	}
	return methodCount, ErrMethodInvalid
}

func (m AuthMethod) bit() uint8 {
	return 1 << m
}

// ChallengeType classifies the guarded operation. The classification drives
// the policy resolver: high-sensitivity types demand two factors when the
// user has two enrolled.
type ChallengeType string

const (
	// ChallengePermissionGrant is an exported constant or variable used by the step-up engine.
	ChallengePermissionGrant ChallengeType = "permission_grant"
	// ChallengeRoleChange is an exported constant or variable used by the step-up engine.
	ChallengeRoleChange ChallengeType = "role_change"
	// ChallengeDataAccess is an exported constant or variable used by the step-up engine.
	ChallengeDataAccess ChallengeType = "data_access"
	// ChallengeSensitiveOperation is an exported constant or variable used by the step-up engine.
	ChallengeSensitiveOperation ChallengeType = "sensitive_operation"
)

// FactorEnrollment is one (user, method) enrollment row held by the
// [SecretStore]. SecretMaterial is opaque to callers: the raw TOTP seed for
// MethodTOTP, empty for MethodSMS (SMS codes are ephemeral). PasswordHash
// carries the PHC-encoded secondary-password hash for
// MethodSecondaryPassword. The store is expected to encrypt SecretMaterial
// at rest.
type FactorEnrollment struct {
	UserID              string
	Method              AuthMethod
	SecretMaterial      []byte
	PasswordHash        string
	TOTPLastUsedCounter int64
	Active              bool
	CreatedAt           time.Time
	LastUsedAt          time.Time
}

// RecoveryCodeRecord is one hashed single-use recovery code.
type RecoveryCodeRecord struct {
	Hash [32]byte
}

// SecretStore is the persistence contract for factor enrollments and hashed
// recovery codes. It mirrors a relational store through simple CRUD-style
// calls; the engine never sees how rows are laid out.
//
// Contract requirements the engine relies on:
//
//   - At most one active enrollment per (user, method); PutEnrollment
//     replaces any prior enrollment for the same pair atomically.
//   - Enrollments returns rows ordered by CreatedAt ascending; the policy
//     resolver uses that order to pick factors deterministically.
//   - ConsumeRecoveryCode removes the matching hash and reports whether it
//     was present, atomically: two concurrent calls must not both consume
//     the same code.
type SecretStore interface {
	Enrollment(ctx context.Context, userID string, method AuthMethod) (*FactorEnrollment, error)
	Enrollments(ctx context.Context, userID string) ([]FactorEnrollment, error)
	PutEnrollment(ctx context.Context, enrollment FactorEnrollment) error
	DisableEnrollment(ctx context.Context, userID string, method AuthMethod) error
	TouchEnrollment(ctx context.Context, userID string, method AuthMethod, usedAt time.Time) error
	UpdateTOTPLastUsedCounter(ctx context.Context, userID string, counter int64) error

	RecoveryCodes(ctx context.Context, userID string) ([]RecoveryCodeRecord, error)
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCodeRecord) error
	ConsumeRecoveryCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
}

// SMSGateway delivers one-time codes. Implementations must honor ctx
// cancellation; the engine bounds each dispatch with
// [SMSConfig.GatewayTimeout] and holds no lock while waiting.
type SMSGateway interface {
	SendCode(ctx context.Context, phoneNumber, code string) error
}

// RequestMeta is opaque caller metadata recorded with every verification
// attempt (audit only; never used in any decision).
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

// ChallengeGrant is returned by [Engine.CreateChallenge]. ChallengeToken is
// a bearer secret shown exactly once; the engine stores only its hash.
type ChallengeGrant struct {
	ChallengeID     string
	ChallengeToken  string
	RequiredMethods []AuthMethod
	ExpiresAt       time.Time
}

// RespondResult is the outcome of one [Engine.RespondToChallenge] call.
//
// Success reflects the credential check alone. ChallengeCompleted is set on
// the response that satisfies the last outstanding method. RemainingMethods
// lists what is still unsatisfied after a successful partial response.
// AttemptsRemaining counts down the shared attempt budget after a failure.
type RespondResult struct {
	Success            bool
	ChallengeCompleted bool
	RemainingMethods   []AuthMethod
	AttemptsRemaining  int
}

// SecondaryPasswordSetup is returned by [Engine.SetupSecondaryPassword].
// RecoveryCodes are plaintext single-use codes returned exactly once; only
// their hashes are retained.
type SecondaryPasswordSetup struct {
	RecoveryCodes []string
}

// TOTPSetup is returned by [Engine.SetupTOTP]. ManualEntryKey is the
// base32 secret for manual enrollment; ProvisioningURI is the otpauth://
// form for QR rendering (rendering itself is out of scope).
type TOTPSetup struct {
	Secret          []byte
	ManualEntryKey  string
	ProvisioningURI string
}

// SMSSetup is returned by [Engine.SetupSMS] after a code was dispatched.
type SMSSetup struct {
	MaskedPhone      string
	ExpiresInSeconds int
}

// AuthMethodInfo is one row of [Engine.UserAuthMethods].
type AuthMethodInfo struct {
	Method     AuthMethod
	Active     bool
	EnrolledAt time.Time
	LastUsedAt time.Time
}

// AssertionClaims is the decoded payload of a verified step-up assertion.
type AssertionClaims struct {
	UserID        string
	ChallengeID   string
	ChallengeType ChallengeType
	ContextHash   string
	ExpiresAt     time.Time
}
