package stepup

import (
	"errors"
	"time"
)

// Config defines a public type used by stepup APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Challenge         ChallengeConfig
	Policy            PolicyConfig
	TOTP              TOTPConfig
	SecondaryPassword SecondaryPasswordConfig
	SMS               SMSConfig
	Assertion         AssertionConfig
	Audit             AuditConfig
	Metrics           MetricsConfig
	Redis             RedisConfig
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig bounds the lifecycle of every challenge: one TTL and one
// attempt budget shared across all required methods.
type ChallengeConfig struct {
	TTL         time.Duration // absolute lifetime, default 5m
	MaxAttempts int           // shared across methods, default 3
	// ResponseRetention keeps the append-only attempt log readable after the
	// challenge key itself expires. Default 24h.
	ResponseRetention time.Duration
}

// PolicyConfig drives the policy resolver.
type PolicyConfig struct {
	// HighSensitivityTypes require two factors when the user has two or more
	// active enrollments. Default: permission_grant, role_change.
	HighSensitivityTypes []ChallengeType
	// DefaultMethod is required when a user has no active enrollment, so the
	// requirement set is never empty. Default MethodSecondaryPassword.
	DefaultMethod AuthMethod
}

// TOTPConfig defines a public type used by stepup APIs.
//
// TOTPConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TOTPConfig struct {
	Issuer                  string
	Digits                  int
	Period                  int
	Algorithm               string // "SHA1" (default), "SHA256", "SHA512"
	Skew                    int    // accepted steps either side of now, default 1
	SecretBytes             int    // raw seed length, default 20 (160 bits)
	EnforceReplayProtection bool   // reject a counter at or below the last used one
}

// SecondaryPasswordConfig defines a public type used by stepup APIs.
//
// SecondaryPasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SecondaryPasswordConfig struct {
	Memory             uint32 // Argon2id memory in KB
	Time               uint32
	Parallelism        uint8
	SaltLength         uint32
	KeyLength          uint32
	MinLength          int // minimum password bytes, default 10
	RecoveryCodeCount  int // codes issued at setup, default 8
	RecoveryCodeLength int // characters per code, default 8
}

// SMSConfig defines a public type used by stepup APIs.
//
// SMSConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SMSConfig struct {
	CodeTTL        time.Duration // pending code lifetime, default 10m
	OTPDigits      int           // default 6
	GatewayTimeout time.Duration // per-dispatch bound, default 10s
	MaxSends       int           // sends per user per cooldown window, default 5
	SendCooldown   time.Duration // default 10m
}

// AssertionConfig configures the step-up session issuer. When SigningKey is
// empty no assertions can be minted and IssueAssertion returns
// ErrEngineNotReady.
type AssertionConfig struct {
	SigningKey []byte        // HMAC-SHA256 key, >= 32 bytes
	Issuer     string        // default "stepup"
	TTL        time.Duration // default 10m
}

// AuditConfig defines a public type used by stepup APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by stepup APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled bool
}

// RedisConfig defines a public type used by stepup APIs.
//
// RedisConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RedisConfig struct {
	KeyPrefix string // default "su"
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the engine defaults, suitable as a starting point
// for [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Challenge: ChallengeConfig{
			TTL:               5 * time.Minute,
			MaxAttempts:       3,
			ResponseRetention: 24 * time.Hour,
		},
		Policy: PolicyConfig{
			HighSensitivityTypes: []ChallengeType{ChallengePermissionGrant, ChallengeRoleChange},
			DefaultMethod:        MethodSecondaryPassword,
		},
		TOTP: TOTPConfig{
			Issuer:                  "stepup",
			Digits:                  6,
			Period:                  30,
			Algorithm:               "SHA1",
			Skew:                    1,
			SecretBytes:             20,
			EnforceReplayProtection: true,
		},
		SecondaryPassword: SecondaryPasswordConfig{
			Memory:             65536,
			Time:               3,
			Parallelism:        2,
			SaltLength:         16,
			KeyLength:          32,
			MinLength:          10,
			RecoveryCodeCount:  8,
			RecoveryCodeLength: 8,
		},
		SMS: SMSConfig{
			CodeTTL:        10 * time.Minute,
			OTPDigits:      6,
			GatewayTimeout: 10 * time.Second,
			MaxSends:       5,
			SendCooldown:   10 * time.Minute,
		},
		Assertion: AssertionConfig{
			Issuer: "stepup",
			TTL:    10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Redis: RedisConfig{
			KeyPrefix: "su",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Assertion.SigningKey = cloneBytes(cfg.Assertion.SigningKey)
	if len(cfg.Policy.HighSensitivityTypes) > 0 {
		out.Policy.HighSensitivityTypes = make([]ChallengeType, len(cfg.Policy.HighSensitivityTypes))
		copy(out.Policy.HighSensitivityTypes, cfg.Policy.HighSensitivityTypes)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	// Challenge
	if c.Challenge.TTL <= 0 {
		return errors.New("Challenge TTL must be > 0")
	}
	if c.Challenge.MaxAttempts <= 0 {
		return errors.New("Challenge MaxAttempts must be > 0")
	}
	if c.Challenge.ResponseRetention < c.Challenge.TTL {
		return errors.New("Challenge ResponseRetention must be >= TTL")
	}

	// Policy
	if !c.Policy.DefaultMethod.Valid() {
		return errors.New("Policy DefaultMethod must be a registered method")
	}
	for _, ct := range c.Policy.HighSensitivityTypes {
		if ct == "" {
			return errors.New("Policy HighSensitivityTypes must not contain empty types")
		}
	}

	// TOTP
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return errors.New("TOTP Digits must be 6..10")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 4 {
		return errors.New("TOTP Skew must be 0..4")
	}
	if c.TOTP.SecretBytes < 20 {
		return errors.New("TOTP SecretBytes must be >= 20 (160 bits)")
	}
	switch c.TOTP.Algorithm {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("unsupported TOTP algorithm")
	}

	// Secondary password
	if c.SecondaryPassword.MinLength < 8 {
		return errors.New("SecondaryPassword MinLength must be >= 8")
	}
	if c.SecondaryPassword.RecoveryCodeCount <= 0 {
		return errors.New("SecondaryPassword RecoveryCodeCount must be > 0")
	}
	if c.SecondaryPassword.RecoveryCodeLength < 8 {
		return errors.New("SecondaryPassword RecoveryCodeLength must be >= 8")
	}

	// SMS
	if c.SMS.CodeTTL <= 0 {
		return errors.New("SMS CodeTTL must be > 0")
	}
	if c.SMS.OTPDigits < 6 || c.SMS.OTPDigits > 10 {
		return errors.New("SMS OTPDigits must be 6..10")
	}
	if c.SMS.GatewayTimeout <= 0 {
		return errors.New("SMS GatewayTimeout must be > 0")
	}
	if c.SMS.MaxSends <= 0 {
		return errors.New("SMS MaxSends must be > 0")
	}
	if c.SMS.SendCooldown <= 0 {
		return errors.New("SMS SendCooldown must be > 0")
	}

	// Assertion
	if len(c.Assertion.SigningKey) > 0 && len(c.Assertion.SigningKey) < 32 {
		return errors.New("Assertion SigningKey must be >= 32 bytes")
	}
	if c.Assertion.TTL <= 0 {
		return errors.New("Assertion TTL must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Redis.KeyPrefix == "" {
		return errors.New("Redis KeyPrefix must not be empty")
	}

	return nil
}
