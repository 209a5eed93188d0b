package stepup

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/factorgate/stepup/internal"
)

// CreateChallenge opens a challenge for a sensitive operation. The required
// method set is resolved from the user's active enrollments and the
// challenge type's sensitivity; contextData is bound into the challenge via
// a canonical hash and echoed back in the assertion for downstream
// verification.
//
// The returned ChallengeToken is shown exactly once. Every later call that
// proves possession of the challenge (completion checks, cancellation,
// assertion issuance) takes the plaintext token and compares its hash.
//
// CreateChallenge may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) CreateChallenge(
	ctx context.Context,
	userID string,
	challengeType ChallengeType,
	contextData map[string]string,
) (*ChallengeGrant, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}
	if !validChallengeType(challengeType) {
		return nil, ErrChallengeTypeInvalid
	}

	required, err := e.resolveRequiredMethods(ctx, userID, challengeType)
	if err != nil {
		return nil, err
	}
	return e.createChallenge(ctx, userID, challengeType, contextData, required)
}

// CreateChallengeWithMethods opens a challenge with an explicit requirement
// set, bypassing the policy resolver. Methods are deduplicated preserving
// first occurrence; the set must be non-empty and every entry must be a
// registered method.
//
// CreateChallengeWithMethods may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) CreateChallengeWithMethods(
	ctx context.Context,
	userID string,
	challengeType ChallengeType,
	contextData map[string]string,
	methods []AuthMethod,
) (*ChallengeGrant, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}
	if !validChallengeType(challengeType) {
		return nil, ErrChallengeTypeInvalid
	}
	if len(methods) == 0 {
		return nil, ErrMethodInvalid
	}

	var seen uint8
	required := make([]AuthMethod, 0, len(methods))
	for _, m := range methods {
		if !m.Valid() {
			return nil, ErrMethodInvalid
		}
		if seen&m.bit() != 0 {
			continue
		}
		seen |= m.bit()
		required = append(required, m)
	}
	return e.createChallenge(ctx, userID, challengeType, contextData, required)
}

func (e *Engine) createChallenge(
	ctx context.Context,
	userID string,
	challengeType ChallengeType,
	contextData map[string]string,
	required []AuthMethod,
) (*ChallengeGrant, error) {
	token, err := internal.NewChallengeToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	challengeID := uuid.NewString()
	now := time.Now()
	expiresAt := now.Add(e.config.Challenge.TTL)

	record := &challengeRecord{
		UserID:        userID,
		ChallengeType: string(challengeType),
		TokenHash:     internal.HashToken(token),
		ContextHash:   contextHash(contextData),
		ContextData:   contextData,
		Required:      required,
		MaxAttempts:   uint16(e.config.Challenge.MaxAttempts),
		CreatedAt:     now.Unix(),
		ExpiresAt:     expiresAt.Unix(),
	}
	if err := e.challenges.Create(ctx, challengeID, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	e.metricInc(MetricChallengeCreated)
	e.emitAudit(ctx, auditEventChallengeCreated, true, userID, challengeID, "", nil, func() map[string]string {
		return map[string]string{
			"challenge_type": string(challengeType),
			"required":       methodSetString(required),
		}
	})

	return &ChallengeGrant{
		ChallengeID:     challengeID,
		ChallengeToken:  token,
		RequiredMethods: required,
		ExpiresAt:       expiresAt,
	}, nil
}

// RespondToChallenge applies one verification attempt to an open challenge.
//
// The boundary is deliberately uniform: a missing, expired, completed, or
// exhausted challenge all surface as [ErrChallengeNotFound] so a caller
// probing ids learns nothing about which state it hit (the audit log keeps
// the distinction). A wrong credential is NOT an error; it comes back as a
// result with Success false and the remaining attempt budget. Errors are
// reserved for callers presenting a method the challenge does not require
// and for dependency failures, neither of which consumes an attempt.
func (e *Engine) RespondToChallenge(
	ctx context.Context,
	challengeID string,
	method AuthMethod,
	presented string,
	meta RequestMeta,
) (*RespondResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if challengeID == "" {
		return nil, ErrChallengeNotFound
	}
	if !method.Valid() {
		return nil, ErrMethodInvalid
	}
	meta = metaFromContext(ctx, meta)

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, e.rejectChallengeLookup(ctx, challengeID, method, err)
	}
	if record.Completed {
		e.metricInc(MetricResponseRejected)
		e.emitAudit(ctx, auditEventChallengeClosedReplay, false, record.UserID, challengeID, method.String(), ErrChallengeNotFound, nil)
		return nil, ErrChallengeNotFound
	}
	if int(record.Attempts) >= int(record.MaxAttempts) {
		e.metricInc(MetricResponseRejected)
		e.emitAudit(ctx, auditEventChallengeExhausted, false, record.UserID, challengeID, method.String(), ErrChallengeAttemptsExceeded, nil)
		return nil, ErrChallengeNotFound
	}
	if !record.requires(method) {
		e.metricInc(MetricResponseRejected)
		e.emitAudit(ctx, auditEventMethodNotRequired, false, record.UserID, challengeID, method.String(), ErrMethodNotRequired, nil)
		return nil, ErrMethodNotRequired
	}

	verifier := e.verifiers[method]
	if verifier == nil {
		return nil, ErrMethodInvalid
	}
	// Consumable credentials (recovery codes, SMS codes) are burned inside
	// Verify, before RecordAttempt re-checks the open state. A concurrent
	// responder closing the challenge in that window costs the user the code
	// but never an attempt against a closed challenge.
	ok, err := verifier.Verify(ctx, record.UserID, presented)
	if err != nil {
		// Dependency failure: the user never got a real verification, so the
		// attempt budget is untouched.
		e.emitAudit(ctx, auditEventResponseError, false, record.UserID, challengeID, method.String(), err, nil)
		return nil, err
	}

	updated, err := e.challenges.RecordAttempt(ctx, challengeID, method, ok)
	if err != nil {
		return nil, e.rejectChallengeLookup(ctx, challengeID, method, err)
	}

	row := ChallengeResponse{
		Method:      method,
		Success:     ok,
		AttemptedAt: time.Now().UTC(),
		ClientIP:    meta.ClientIP,
		UserAgent:   meta.UserAgent,
	}
	if err := e.responses.Append(ctx, challengeID, row); err != nil {
		// The attempt is already committed; record that it happened even
		// though the response row was lost.
		wrapped := fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
		e.emitAudit(ctx, auditEventResponseError, false, updated.UserID, challengeID, method.String(), wrapped, func() map[string]string {
			return map[string]string{"attempts": strconv.Itoa(int(updated.Attempts))}
		})
		return nil, wrapped
	}

	if !ok {
		e.metricInc(MetricResponseFailure)
		attemptsRemaining := int(updated.MaxAttempts) - int(updated.Attempts)
		e.emitAudit(ctx, auditEventResponseFailure, false, updated.UserID, challengeID, method.String(), ErrPasswordInvalid, func() map[string]string {
			return map[string]string{"attempts_remaining": strconv.Itoa(attemptsRemaining)}
		})
		if attemptsRemaining <= 0 {
			e.metricInc(MetricChallengeExhausted)
			e.emitAudit(ctx, auditEventChallengeExhausted, false, updated.UserID, challengeID, method.String(), ErrChallengeAttemptsExceeded, nil)
		}
		return &RespondResult{
			Success:           false,
			AttemptsRemaining: attemptsRemaining,
		}, nil
	}

	e.metricInc(MetricResponseSuccess)
	e.emitAudit(ctx, auditEventResponseSuccess, true, updated.UserID, challengeID, method.String(), nil, nil)

	if updated.Completed {
		e.metricInc(MetricChallengeCompleted)
		e.emitAudit(ctx, auditEventChallengeCompleted, true, updated.UserID, challengeID, method.String(), nil, nil)
		return &RespondResult{
			Success:            true,
			ChallengeCompleted: true,
			AttemptsRemaining:  int(updated.MaxAttempts) - int(updated.Attempts),
		}, nil
	}

	return &RespondResult{
		Success:           true,
		RemainingMethods:  updated.remaining(),
		AttemptsRemaining: int(updated.MaxAttempts) - int(updated.Attempts),
	}, nil
}

// rejectChallengeLookup maps store-level lookup failures onto the uniform
// boundary error while keeping distinct audit trails and metrics.
func (e *Engine) rejectChallengeLookup(ctx context.Context, challengeID string, method AuthMethod, err error) error {
	methodName := ""
	if method.Valid() {
		methodName = method.String()
	}
	switch {
	case errors.Is(err, errChallengeNotFound):
		e.emitAudit(ctx, auditEventChallengeNotFound, false, "", challengeID, methodName, ErrChallengeNotFound, nil)
		return ErrChallengeNotFound
	case errors.Is(err, errChallengeExpired):
		e.metricInc(MetricChallengeExpired)
		e.emitAudit(ctx, auditEventChallengeExpired, false, "", challengeID, methodName, ErrChallengeNotFound, nil)
		return ErrChallengeNotFound
	case errors.Is(err, errChallengeCompleted):
		e.metricInc(MetricResponseRejected)
		e.emitAudit(ctx, auditEventChallengeClosedReplay, false, "", challengeID, methodName, ErrChallengeNotFound, nil)
		return ErrChallengeNotFound
	case errors.Is(err, errChallengeExhausted):
		e.metricInc(MetricResponseRejected)
		e.emitAudit(ctx, auditEventChallengeExhausted, false, "", challengeID, methodName, ErrChallengeAttemptsExceeded, nil)
		return ErrChallengeNotFound
	default:
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
}

// IsChallengeCompleted reports whether the challenge identified by the
// plaintext token has satisfied every required method and is still within
// its lifetime. It is read-only and deliberately quiet: any mismatch,
// missing record, or expiry answers false with a nil error.
func (e *Engine) IsChallengeCompleted(ctx context.Context, challengeID, challengeToken string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}
	if challengeID == "" || challengeToken == "" {
		return false, nil
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) || errors.Is(err, errChallengeExpired) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !tokenMatches(record, challengeToken) {
		return false, nil
	}
	return record.Completed, nil
}

// CancelChallenge deletes an open challenge before it resolves. It is
// token-gated like completion checks; canceling an already-closed or unknown
// challenge returns [ErrChallengeNotFound].
func (e *Engine) CancelChallenge(ctx context.Context, challengeID, challengeToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if challengeID == "" || challengeToken == "" {
		return ErrChallengeNotFound
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) || errors.Is(err, errChallengeExpired) {
			return ErrChallengeNotFound
		}
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !tokenMatches(record, challengeToken) {
		return ErrChallengeNotFound
	}

	deleted, err := e.challenges.Delete(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !deleted {
		return ErrChallengeNotFound
	}

	e.metricInc(MetricChallengeCanceled)
	e.emitAudit(ctx, auditEventChallengeCanceled, true, record.UserID, challengeID, "", nil, nil)
	return nil
}

// ChallengeResponses returns the append-only attempt log for a challenge.
// The log is retained past challenge expiry, so a valid token keeps working
// for review even after the challenge key is gone; in that window the token
// cannot be re-verified and the call degrades to id-gated access, which is
// why the token is still required while the record exists.
func (e *Engine) ChallengeResponses(ctx context.Context, challengeID, challengeToken string) ([]ChallengeResponse, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if challengeID == "" || challengeToken == "" {
		return nil, ErrChallengeNotFound
	}

	record, err := e.challenges.Get(ctx, challengeID)
	switch {
	case err == nil:
		if !tokenMatches(record, challengeToken) {
			return nil, ErrChallengeNotFound
		}
	case errors.Is(err, errChallengeNotFound), errors.Is(err, errChallengeExpired):
		// Challenge key already gone; the retained log is still served.
	default:
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	rows, err := e.responses.List(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if len(rows) == 0 && record == nil {
		return nil, ErrChallengeNotFound
	}
	return rows, nil
}

func tokenMatches(record *challengeRecord, token string) bool {
	presented := internal.HashToken(token)
	return subtle.ConstantTimeCompare(record.TokenHash[:], presented[:]) == 1
}

// contextHash canonicalizes the context map (sorted keys, length-delimited
// entries) before hashing so equal maps always hash equal.
func contextHash(contextData map[string]string) [32]byte {
	h := sha256.New()
	for _, k := range sortedContextKeys(contextData) {
		v := contextData[k]
		var lenBuf [8]byte
		writeLen := func(n int) {
			for i := 7; i >= 0; i-- {
				lenBuf[i] = byte(n)
				n >>= 8
			}
			h.Write(lenBuf[:])
		}
		writeLen(len(k))
		h.Write([]byte(k))
		writeLen(len(v))
		h.Write([]byte(v))
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func validChallengeType(ct ChallengeType) bool {
	switch ct {
	case ChallengePermissionGrant, ChallengeRoleChange, ChallengeDataAccess, ChallengeSensitiveOperation:
		return true
	}
	return false
}

func methodSetString(methods []AuthMethod) string {
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.String())
	}
	return strings.Join(names, ",")
}
