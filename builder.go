package stepup

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/factorgate/stepup/password"
)

// Builder defines a public type used by stepup APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  *redis.Client

	secretStore SecretStore
	smsGateway  SMSGateway
	auditSink   AuditSink

	built bool
}

// New describes the new operation and its observable behavior.
//
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration with a defensive copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the Redis client backing challenge state, the response
// log, pending SMS codes, and the SMS send limiter. The caller owns the
// client's lifecycle.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithSecretStore supplies the persistence adapter for factor enrollments
// and hashed recovery codes. Required.
func (b *Builder) WithSecretStore(store SecretStore) *Builder {
	b.secretStore = store
	return b
}

// WithSMSGateway supplies the external SMS delivery collaborator. Optional;
// without it SMS enrollment is unavailable.
func (b *Builder) WithSMSGateway(gw SMSGateway) *Builder {
	b.smsGateway = gw
	return b
}

// WithAuditSink supplies the audit event receiver. Events flow through an
// internal buffered dispatcher; a slow sink never blocks verification.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process metrics collector.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.secretStore == nil {
		return nil, errors.New("secret store required")
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      b.config.SecondaryPassword.Memory,
		Time:        b.config.SecondaryPassword.Time,
		Parallelism: b.config.SecondaryPassword.Parallelism,
		SaltLength:  b.config.SecondaryPassword.SaltLength,
		KeyLength:   b.config.SecondaryPassword.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	prefix := b.config.Redis.KeyPrefix

	engine := &Engine{
		config:      b.config,
		secretStore: b.secretStore,
		smsGateway:  b.smsGateway,
		challenges:  newChallengeStore(b.redis, prefix),
		responses:   newResponseStore(b.redis, prefix, b.config.Challenge.ResponseRetention),
		smsCodes:    newSMSCodeStore(b.redis, prefix),
		smsLimiter:  newSMSSendLimiter(b.redis, prefix, b.config.SMS),
		hasher:      hasher,
		totp:        newTOTPManager(b.config.TOTP),
		audit:       newAuditDispatcher(b.config.Audit, b.auditSink),
		metrics:     NewMetrics(b.config.Metrics),
	}

	// The verifier table is the only dispatch point for methods: a method
	// outside this closed set can never satisfy a challenge.
	engine.verifiers = [methodCount]factorVerifier{
		MethodSecondaryPassword: &passwordVerifier{engine: engine},
		MethodTOTP:              &totpVerifier{engine: engine},
		MethodRecoveryCode:      &recoveryVerifier{engine: engine},
		MethodSMS:               &smsVerifier{engine: engine},
	}

	b.built = true
	return engine, nil
}
