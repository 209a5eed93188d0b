package stepup

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type assertionClaims struct {
	ChallengeID   string `json:"cid"`
	ChallengeType string `json:"cty"`
	ContextHash   string `json:"cth"`
	jwt.RegisteredClaims
}

// IssueAssertion mints a short-lived signed assertion for a completed
// challenge: proof for downstream services that step-up happened, without
// another round trip to this engine. The caller must still hold the
// plaintext challenge token; completion alone is not enough.
//
// Issuance requires [AssertionConfig.SigningKey]; without it the engine
// returns ErrEngineNotReady. An open or partially satisfied challenge
// returns [ErrChallengeNotCompleted], and a missing or expired one the
// uniform [ErrChallengeNotFound].
func (e *Engine) IssueAssertion(ctx context.Context, challengeID, challengeToken string) (string, error) {
	if !e.ready() || len(e.config.Assertion.SigningKey) == 0 {
		return "", ErrEngineNotReady
	}
	if challengeID == "" || challengeToken == "" {
		return "", ErrChallengeNotFound
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) || errors.Is(err, errChallengeExpired) {
			return "", ErrChallengeNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !tokenMatches(record, challengeToken) {
		return "", ErrChallengeNotFound
	}
	if !record.Completed {
		return "", ErrChallengeNotCompleted
	}

	now := time.Now()
	claims := assertionClaims{
		ChallengeID:   challengeID,
		ChallengeType: record.ChallengeType,
		ContextHash:   hex.EncodeToString(record.ContextHash[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   record.UserID,
			Issuer:    e.config.Assertion.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.config.Assertion.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(e.config.Assertion.SigningKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	e.metricInc(MetricAssertionIssued)
	e.emitAudit(ctx, auditEventAssertionIssued, true, record.UserID, challengeID, "", nil, func() map[string]string {
		return map[string]string{"challenge_type": record.ChallengeType}
	})
	return signed, nil
}

// VerifyAssertion checks signature, expiry, issuer, subject, and when
// contextData is non-nil, that its canonical hash matches the hash bound at
// challenge creation. Every failure mode collapses into
// [ErrAssertionInvalid]; verification is pure and needs no store access, so
// downstream services can hold only the signing key.
func (e *Engine) VerifyAssertion(assertion, userID string, contextData map[string]string) (*AssertionClaims, error) {
	if e == nil || len(e.config.Assertion.SigningKey) == 0 {
		return nil, ErrEngineNotReady
	}
	if assertion == "" || userID == "" {
		return nil, ErrAssertionInvalid
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(e.config.Assertion.Issuer),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(assertion, &assertionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return e.config.Assertion.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	claims, ok := token.Claims.(*assertionClaims)
	if !ok || !token.Valid {
		return nil, ErrAssertionInvalid
	}
	if subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(userID)) != 1 {
		return nil, ErrAssertionInvalid
	}
	if claims.ChallengeID == "" || claims.ExpiresAt == nil {
		return nil, ErrAssertionInvalid
	}

	if contextData != nil {
		want := contextHash(contextData)
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(want[:])), []byte(claims.ContextHash)) != 1 {
			return nil, ErrAssertionInvalid
		}
	}

	return &AssertionClaims{
		UserID:        claims.Subject,
		ChallengeID:   claims.ChallengeID,
		ChallengeType: ChallengeType(claims.ChallengeType),
		ContextHash:   claims.ContextHash,
		ExpiresAt:     claims.ExpiresAt.Time,
	}, nil
}
