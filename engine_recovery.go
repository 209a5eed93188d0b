package stepup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/factorgate/stepup/internal"
)

// recoveryVerifier consumes a single-use recovery code. Consumption is
// atomic at the SecretStore: two concurrent verifications can never both
// succeed with the same code. No match leaves the stored set untouched.
type recoveryVerifier struct {
	engine *Engine
}

func (v *recoveryVerifier) Verify(ctx context.Context, userID, presented string) (bool, error) {
	e := v.engine

	canonical := internal.CanonicalizeRecoveryCode(presented)
	if canonical == "" {
		e.metricInc(MetricRecoveryCodeFailed)
		return false, nil
	}

	ok, err := e.secretStore.ConsumeRecoveryCode(ctx, userID, internal.RecoveryCodeHash(userID, canonical))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if !ok {
		e.metricInc(MetricRecoveryCodeFailed)
		return false, nil
	}

	remaining := 0
	if codes, err := e.secretStore.RecoveryCodes(ctx, userID); err == nil {
		remaining = len(codes)
	}
	_ = e.secretStore.TouchEnrollment(ctx, userID, MethodRecoveryCode, time.Now().UTC())

	e.metricInc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, userID, "", MethodRecoveryCode.String(), nil, func() map[string]string {
		return map[string]string{"remaining": strconv.Itoa(remaining)}
	})
	return true, nil
}
