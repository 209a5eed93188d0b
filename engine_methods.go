package stepup

import (
	"context"
	"fmt"
)

// UserAuthMethods lists the user's enrollments in enrollment order, active
// and inactive alike. Callers that only want usable factors filter on
// [AuthMethodInfo.Active].
//
// UserAuthMethods may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) UserAuthMethods(ctx context.Context, userID string) ([]AuthMethodInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrUserRequired
	}

	enrollments, err := e.secretStore.Enrollments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	infos := make([]AuthMethodInfo, 0, len(enrollments))
	for _, enr := range enrollments {
		if !enr.Method.Valid() {
			continue
		}
		infos = append(infos, AuthMethodInfo{
			Method:     enr.Method,
			Active:     enr.Active,
			EnrolledAt: enr.CreatedAt,
			LastUsedAt: enr.LastUsedAt,
		})
	}
	return infos, nil
}

// DisableAuthMethod deactivates an enrollment without destroying its secret
// material. Open challenges that already require the method are not
// rewritten; the policy resolver simply stops selecting it for new ones.
//
// DisableAuthMethod may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) DisableAuthMethod(ctx context.Context, userID string, method AuthMethod) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrUserRequired
	}
	if !method.Valid() {
		return ErrMethodInvalid
	}

	enr, err := e.secretStore.Enrollment(ctx, userID, method)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}
	if enr == nil {
		return ErrMethodNotEnrolled
	}

	if err := e.secretStore.DisableEnrollment(ctx, userID, method); err != nil {
		return fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventMethodDisabled, true, userID, "", method.String(), nil, nil)
	return nil
}
