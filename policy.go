package stepup

import (
	"context"
	"fmt"
)

// resolveRequiredMethods implements the factor policy.
//
// The requirement set is never empty: a user with no active enrollment falls
// back to the configured default method, so step-up can never be satisfied
// vacuously. High-sensitivity challenge types take the first two active
// methods in enrollment creation order when the user has two or more;
// everything else takes exactly the first. The ordering is deterministic
// because the SecretStore contract returns enrollments ordered by CreatedAt.
func (e *Engine) resolveRequiredMethods(
	ctx context.Context,
	userID string,
	challengeType ChallengeType,
) ([]AuthMethod, error) {
	enrollments, err := e.secretStore.Enrollments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretStoreUnavailable, err)
	}

	active := make([]AuthMethod, 0, len(enrollments))
	for _, enr := range enrollments {
		if !enr.Active || !enr.Method.Valid() {
			continue
		}
		active = append(active, enr.Method)
	}

	if len(active) == 0 {
		return []AuthMethod{e.config.Policy.DefaultMethod}, nil
	}

	if e.isHighSensitivity(challengeType) && len(active) >= 2 {
		return active[:2:2], nil
	}
	return active[:1:1], nil
}

func (e *Engine) isHighSensitivity(challengeType ChallengeType) bool {
	for _, ct := range e.config.Policy.HighSensitivityTypes {
		if ct == challengeType {
			return true
		}
	}
	return false
}
